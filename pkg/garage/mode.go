package garage

import "github.com/sirupsen/logrus"

// Mode selects which command set the endpoint accepts.
type Mode int

const (
	ModeInvalid Mode = iota
	ModeDoor
	ModeRemote
)

func (m Mode) String() string {
	switch m {
	case ModeDoor:
		return "DOOR"
	case ModeRemote:
		return "REMOTE"
	default:
		return "INVALID"
	}
}

// ParseMode reads the mode from the process arguments. It returns false
// when no mode was given, after printing usage.
func ParseMode(args []string, log logrus.FieldLogger) (Mode, bool) {
	if len(args) < 1 {
		log.Info("Please start the application as either a door or a remote")
		log.Info("> garage door | garage remote")
		return ModeInvalid, false
	}

	switch args[0] {
	case "door":
		return ModeDoor, true
	case "remote":
		return ModeRemote, true
	default:
		log.Warnf("invalid mode '%s' requested", args[0])
		return ModeInvalid, true
	}
}
