package state

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage bundles the presence tables behind a single handle. All tables
// share one *sqlx.DB so session arbitration can lock rows across tables in
// a single transaction.
type Storage struct {
	SessionsTable   *SessionsTable
	HeartbeatsTable *HeartbeatsTable
	StudentsTable   *StudentsTable
	SchoolsTable    *SchoolsTable
	DB              *sqlx.DB

	sessionEndReasonVec *prometheus.CounterVec
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		// TODO: if we panic(), will sentry have a chance to flush the event?
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, false)
}

func NewStorageWithDB(db *sqlx.DB, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		SessionsTable:   NewSessionsTable(db),
		HeartbeatsTable: NewHeartbeatsTable(db),
		StudentsTable:   NewStudentsTable(db),
		SchoolsTable:    NewSchoolsTable(db),
		DB:              db,
	}
	if addPrometheusMetrics {
		s.sessionEndReasonVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence_sync",
			Subsystem: "state",
			Name:      "sessions_ended",
			Help:      "Number of sessions ended, by reason",
		}, []string{"reason"})
		prometheus.MustRegister(s.sessionEndReasonVec)
		s.SessionsTable.onEnded = func(reason string, n int) {
			s.sessionEndReasonVec.WithLabelValues(reason).Add(float64(n))
		}
	}
	return s
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
	if s.sessionEndReasonVec != nil {
		prometheus.Unregister(s.sessionEndReasonVec)
	}
}
