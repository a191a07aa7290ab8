package logger

import (
	"go.uber.org/zap"
)

// Log is a no-op logger until Init is called, so library packages can
// log unconditionally. Tests simply never call Init.
var Log = zap.NewNop().Sugar()

func Init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	Log = logger.Sugar()
}
