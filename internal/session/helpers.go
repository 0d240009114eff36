package session

import "github.com/corvidgames/tickmesh/internal/eventlog"

func logEvent(frame uint64, message string) eventlog.Entry {
	return eventlog.Entry{Kind: eventlog.KindEvent, Frame: frame, Message: message}
}
