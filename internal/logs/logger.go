package logs

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
)

// Logger prefixes every line with the file, line and function
// that logged it.
type Logger struct {
	Writer io.Writer
	mutex  sync.Mutex
}

const modulePath = "github.com/unisoc-unlock/unisoc-unlock/"

func findRepoPrefix() string {
	pc := make([]uintptr, 15)
	n := runtime.Callers(1, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()
	file := frame.File
	return strings.TrimSuffix(file, "internal/logs/logger.go")
}

var repoPrefix = findRepoPrefix()

// Log is called directly by the code that logs, so the
// interesting frame is two above logIn.
func (l *Logger) Log(s string) {
	l.logIn(s, 3)
}

func (l *Logger) logIn(s string, callers int) {
	s = strings.TrimSuffix(s, "\n")
	pc := make([]uintptr, 15)
	n := runtime.Callers(callers, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()
	file := strings.TrimPrefix(frame.File, repoPrefix)
	function := strings.TrimPrefix(frame.Function, modulePath)
	r := fmt.Sprintf("[%s %d %s]", file, frame.Line, function)
	l.println(r + " " + s)
}

func (l *Logger) println(s string) {
	if l == nil || l.Writer == nil {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	_, err := l.Writer.Write([]byte(s + "\n"))
	if err != nil {
		// give up, just print on stdout
		fmt.Println(err)
	}
}
