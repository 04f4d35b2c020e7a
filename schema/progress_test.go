package schema

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_Increment(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "players add-level", 100, 10)

	tracker.Increment(5)
	assert.Empty(t, buf.String(), "nothing is reported before Start")

	tracker.Start()
	tracker.Increment(25)
	tracker.Increment(25)
	tracker.Increment(80)

	assert.Greater(t, tracker.Elapsed(), time.Duration(0))
	assert.Contains(t, buf.String(), "players add-level: 100/100 (100.0%)")
}

func TestProgressTracker_Finish(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "mail", 100, 50)

	tracker.Start()
	tracker.Increment(10)
	assert.Empty(t, buf.String())
	tracker.Finish()

	assert.Contains(t, buf.String(), "mail: 100/100")
	assert.Contains(t, buf.String(), "\n")
}

func TestProgressTracker_EmptyTotal(t *testing.T) {
	var buf bytes.Buffer
	tracker := NewProgressTracker(&buf, "items", 0, 0)
	tracker.Start()
	tracker.Finish()
	assert.Contains(t, buf.String(), "items: 0/0 (100.0%)")
}
