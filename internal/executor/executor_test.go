package executor

import (
	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
)

func testExecConfig(mode string) config.ExecutionConfig {
	return config.ExecutionConfig{
		Mode:         mode,
		ExecutorUser: "agor_exec",
	}
}

func testLogger() *logger.Logger { return logger.Default() }
