package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reconciler/pkg/redact"
)

var Log = logrus.New()

func Init() {
	InitWithOutput(os.Stdout)
}

// InitWithOutput configures the shared logger to write JSON lines to w.
func InitWithOutput(w io.Writer) {
	Log = logrus.New()
	Log.SetOutput(w)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	Log.AddHook(redact.NewHook())

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// ForPatient scopes log lines to a patient and, optionally, a document.
func ForPatient(patientID string, documentID ...string) *logrus.Entry {
	fields := logrus.Fields{"patient_id": patientID}
	if len(documentID) > 0 && documentID[0] != "" {
		fields["document_id"] = documentID[0]
	}
	return Log.WithFields(fields)
}
