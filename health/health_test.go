package health_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/health"
)

func TestTransitions(t *testing.T) {
	h := health.New(log.StandardLogger())
	cause := errors.New("disk on fire")

	cases := []struct {
		op    string
		ret   bool
		state health.State
	}{
		{op: "heal", ret: false, state: health.Healthy},
		{op: "panic", ret: true, state: health.Panicked},
		{op: "panic", ret: false, state: health.Panicked},
		{op: "heal", ret: true, state: health.Healed},
		{op: "heal", ret: false, state: health.Healed},
		{op: "panic", ret: true, state: health.Panicked},
	}

	for i, c := range cases {
		var ret bool
		switch c.op {
		case "panic":
			ret = h.Panic(fmt.Errorf("%w: %d", cause, i))
		case "heal":
			ret = h.Heal()
		}
		if ret != c.ret {
			t.Errorf("%d: %s() got %v want %v", i, c.op, ret, c.ret)
		}
		st, err := h.State()
		if st != c.state {
			t.Errorf("%d: State() got %s want %s", i, st, c.state)
		}

		err = h.Assert()
		if c.state == health.Panicked {
			if !errors.Is(err, health.ErrUnhealthy) || !errors.Is(err, cause) {
				t.Errorf("%d: Assert() got %v", i, err)
			}
			var ue *health.UnhealthyError
			if !errors.As(err, &ue) {
				t.Errorf("%d: Assert() got %T want *UnhealthyError", i, err)
			}
		} else if err != nil {
			t.Errorf("%d: Assert() got %v want nil", i, err)
		}
	}

	// The first cause wins.
	_, err := h.State()
	if err == nil || err.Error() != "disk on fire: 5" {
		t.Errorf("State() got cause %v", err)
	}
}

func TestConcurrentPanic(t *testing.T) {
	h := health.New(log.StandardLogger())

	var wg sync.WaitGroup
	var mutex sync.Mutex
	won := 0
	for i := 0; i < 20; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if h.Panic(fmt.Errorf("cause %d", i)) {
				mutex.Lock()
				won += 1
				mutex.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("Panic() succeeded %d times want 1", won)
	}
	if h.Healthy() {
		t.Errorf("Healthy() got true want false")
	}
}
