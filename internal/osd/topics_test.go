package osd

import "testing"

func TestTopicNames(t *testing.T) {
	cases := []struct {
		t    topic
		want string
	}{
		{setScreenState{}, "screen/set"},
		{currentSession{}, "session/current"},
		{alertTopic{}, "alert"},
		{setMixerStates{}, "mixer/set"},
		{parkingStates{}, "parking/states"},
		{doorbellRequest{}, "doorbell"},
		{doorLockOpenResult{}, "doorlock/set/result"},
	}
	for _, c := range cases {
		if got := c.t.topicName(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}
