package tunepipe

import (
	"os"
)

var DefaultLogger Logger

// SetLogger set a logger instance for tunepipe
func SetLogger(logger Logger) {
	DefaultLogger = logger
}

func init() {
	DefaultLogger = NewLogger(os.Stdout, Info)
}

// execution pools
const (
	DefaultRunPoolSize   = 10
	DefaultStagePoolSize = 4
)

var runPool = newTaskPool(DefaultRunPoolSize)
var stagePool = newTaskPool(DefaultStagePoolSize)

// SetMaxRunningRuns set max number of pipeline runs executing in parallel
func SetMaxRunningRuns(size int) {
	runPool.SetMaxSize(size)
}

// SetMaxRunningStages set max number of stage invocations executing in parallel, across all runs
func SetMaxRunningStages(size int) {
	stagePool.SetMaxSize(size)
}
