package session

import (
	"testing"
	"time"
)

func SetNow(t *testing.T, f func() time.Time) {
	org := Now
	Now = f
	t.Cleanup(func() {
		Now = org
	})
}

var Transcript = transcript
