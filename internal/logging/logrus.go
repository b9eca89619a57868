// Package logging arma el logger del proceso.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New crea el logger del proceso. format es "json" o "text".
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	logg := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	logg.SetOutput(out)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logg.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logg.SetLevel(lvl)
	return logg, nil
}

// Discard retorna un logger que descarta todo. Lo usan los tests.
func Discard() *logrus.Logger {
	logg := logrus.New()
	logg.SetOutput(io.Discard)
	return logg
}

// Module retorna una entry etiquetada con el nombre del módulo
func Module(logger logrus.FieldLogger, module string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("module", module)
}

// LogError loguea err con los campos de módulo, función y contexto
func LogError(logger logrus.FieldLogger, moduleName, funcName, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
