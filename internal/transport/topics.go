package transport

import "strings"

// Topics names the channels of one app/stage.
type Topics struct {
	Prefix    string
	App       string
	Stage     string
	Separator string
}

// Events is the topic the cloud relay publishes invocations on.
func (t Topics) Events() string {
	return t.join(t.Prefix, t.App, t.Stage, "events")
}

// Worker is the topic results for one worker are published on.
func (t Topics) Worker(workerID string) string {
	return t.join(t.Prefix, t.App, t.Stage, "events", workerID)
}

func (t Topics) join(parts ...string) string {
	sep := t.Separator
	if sep == "" {
		sep = "."
	}
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/"+sep)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
