package heartbeat

import "strings"

// Level decides what happens to a heartbeat result.
type Level string

const (
	// LevelOK is suppressed.
	LevelOK Level = "OK"
	// LevelNotice is delivered as an informational message.
	LevelNotice Level = "NOTICE"
	// LevelAction is pushed as needing the user's intervention.
	LevelAction Level = "ACTION"
)

const DefaultOKSentinel = "HEARTBEAT_OK"

// DefaultActionKeywords is the intervention-needed vocabulary.
var DefaultActionKeywords = []string{
	"action required",
	"needs your attention",
	"please confirm",
	"urgent",
	"failed",
	"需要处理",
	"需要确认",
	"紧急",
}

// Classifier maps a run's text to a Level.
type Classifier struct {
	Sentinel string
	Keywords []string
}

func (c Classifier) Classify(text string) Level {
	sentinel := c.Sentinel
	if sentinel == "" {
		sentinel = DefaultOKSentinel
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == sentinel {
		return LevelOK
	}
	keywords := c.Keywords
	if keywords == nil {
		keywords = DefaultActionKeywords
	}
	lower := strings.ToLower(trimmed)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return LevelAction
		}
	}
	return LevelNotice
}
