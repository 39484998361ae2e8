package garage

import (
	"bufio"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/logger"
)

// LineReader yields one line of user input per call.
type LineReader interface {
	ReadLine() (string, error)
}

type lineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader reads newline separated commands from r.
func NewLineReader(r io.Reader) LineReader {
	return &lineReader{scanner: bufio.NewScanner(r)}
}

func (r *lineReader) ReadLine() (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Commands are the actions the remote command set triggers.
type Commands interface {
	RequestState()
	SendRemoteCommand(isOpen bool)
}

type LoopState int

const (
	LoopRunning LoopState = iota
	LoopStopped
)

// Loop reads commands until "exit" is entered.
type Loop struct {
	mode      Mode
	input     LineReader
	commands  Commands
	exitOnEOF bool
	state     LoopState
	logger    *logrus.Entry
}

func NewLoop(mode Mode, input LineReader, commands Commands) *Loop {
	return &Loop{
		mode:     mode,
		input:    input,
		commands: commands,
		state:    LoopRunning,
		logger:   logger.For("garage"),
	}
}

func (l *Loop) SetLogger(logger *logrus.Entry) {
	l.logger = logger
}

// SetExitOnEOF makes the loop stop when input is exhausted. By default a
// closed input reads as an empty, unknown command and the loop keeps going.
func (l *Loop) SetExitOnEOF(exit bool) {
	l.exitOnEOF = exit
}

func (l *Loop) State() LoopState {
	return l.state
}

// Run blocks until the loop is stopped.
func (l *Loop) Run() {
	l.showHelp()

	for l.state == LoopRunning {
		token, err := l.input.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Errorf("Failed to read input: %v", err)
			} else if l.exitOnEOF {
				l.logger.Info("Input closed, leaving")
				l.state = LoopStopped
				return
			}
			token = ""
		}
		l.Dispatch(token)
	}
}

// Dispatch executes a single command.
func (l *Loop) Dispatch(token string) {
	if l.state != LoopRunning {
		return
	}

	if token == "exit" {
		l.state = LoopStopped
		return
	}

	if l.mode == ModeRemote {
		switch token {
		case "state":
			l.commands.RequestState()
			return
		case "open":
			l.logger.Info("Opening the door")
			l.commands.SendRemoteCommand(true)
			return
		case "close":
			l.logger.Info("Closing the door")
			l.commands.SendRemoteCommand(false)
			return
		}
	}

	l.logger.Warnf("invalid command '%s' requested", token)
}

func (l *Loop) showHelp() {
	switch l.mode {
	case ModeDoor:
		l.logger.Info("Starting in door mode")
		l.logger.Info("The following commands are available:")
	case ModeRemote:
		l.logger.Info("Starting in remote mode")
		l.logger.Info("The following commands are available:")
		l.logger.Info("> state - request door state")
		l.logger.Info("> open - opens the garage door")
		l.logger.Info("> close - closes the garage door")
	}
	l.logger.Info("> exit - exits the application")
}
