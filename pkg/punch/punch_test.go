package punch

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func TestReserveBindsConsecutivePorts(t *testing.T) {
	mappings, err := Reserve(4)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer func() {
		for _, m := range mappings {
			m.Close()
		}
	}()

	if len(mappings) != 4 {
		t.Fatalf("expected 4 mappings, got %d", len(mappings))
	}
	for i := 1; i < len(mappings); i++ {
		if mappings[i].Source != mappings[i-1].Source+1 {
			t.Fatalf("expected consecutive ports, got %d then %d", mappings[i-1].Source, mappings[i].Source)
		}
	}
}

func TestReserveRejectsNonPositive(t *testing.T) {
	if _, err := Reserve(0); err == nil {
		t.Fatal("expected error for n=0")
	}
}

func TestMappingDialReusesSourcePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	mappings, err := Reserve(1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer mappings[0].Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := mappings[0].Dial(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, localPortStr, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("split local addr: %v", err)
	}
	if localPortStr == "" {
		t.Fatal("expected a local port")
	}
}

func TestSleepUntilMeetingRejectsPastMeeting(t *testing.T) {
	clk := fixedClock{t: time.Unix(1000, 0)}
	_, err := sleepUntilMeeting(clk, 500)
	if err == nil {
		t.Fatal("expected error for a meeting already missed")
	}
}

func TestSleepUntilMeetingRejectsFarFuture(t *testing.T) {
	clk := fixedClock{t: time.Unix(1000, 0)}
	_, err := sleepUntilMeeting(clk, 1000+400)
	if err == nil {
		t.Fatal("expected error for a meeting too far in the future")
	}
}

func TestSleepUntilMeetingComputesDuration(t *testing.T) {
	clk := fixedClock{t: time.Unix(1000, 0)}
	d, err := sleepUntilMeeting(clk, 1000)
	if err != nil {
		t.Fatalf("sleepUntilMeeting: %v", err)
	}
	want := ntpDelay
	if d != want {
		t.Errorf("expected sleep of %v, got %v", want, d)
	}
}

func TestAttendFightRequiresMappings(t *testing.T) {
	_, err := AttendFight(context.Background(), clockAt(time.Now()), nil, Meeting{}, false)
	if err == nil {
		t.Fatal("expected error with no mappings")
	}
}

func clockAt(t time.Time) fixedClock { return fixedClock{t: t} }

func TestThrowPunchConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	mappings, err := Reserve(1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer mappings[0].Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	conn, err := throwPunch(context.Background(), mappings[0], "127.0.0.1", port, 1)
	if err != nil {
		t.Fatalf("throwPunch: %v", err)
	}
	conn.Close()
}

// TestAttendFightLoopbackCrossing runs both sides of a fight on the
// same host: each side punches at the other's reserved source port at
// the same meeting instant. Both sides must come away with a stream.
func TestAttendFightLoopbackCrossing(t *testing.T) {
	alice, err := Reserve(1)
	if err != nil {
		t.Fatalf("Reserve alice: %v", err)
	}
	bob, err := Reserve(1)
	if err != nil {
		t.Fatalf("Reserve bob: %v", err)
	}

	ntp := float64(time.Now().UnixNano())/float64(time.Second) - ntpDelay.Seconds() + 0.5

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 2)
	fight := func(mine []Mapping, theirs []Mapping) {
		meeting := Meeting{NodeIP: "127.0.0.1", Predictions: []int{theirs[0].Source}, NTP: ntp}
		conn, err := AttendFight(ctx, clockAt(time.Now()), mine, meeting, false)
		results <- result{conn, err}
	}
	go fight(alice, bob)
	go fight(bob, alice)

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("fight side %d: %v", i, r.err)
		}
		r.conn.Close()
	}
}

// TestAttendFightWinsViaAcceptRace: every outbound connect attempt
// fails (the predicted port is unreachable), but a peer dials directly
// into our reserved listener before the accept-race window elapses,
// and AttendFight must notice and return that connection instead of
// declaring the fight lost.
func TestAttendFightWinsViaAcceptRace(t *testing.T) {
	mappings, err := Reserve(1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Simulate the peer's crossing SYN landing in our accept queue by
	// dialing our reserved port directly, shortly after the fight
	// starts (instead of us successfully dialing them).
	go func() {
		time.Sleep(100 * time.Millisecond)
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", mappings[0].Source))
		if err == nil {
			defer conn.Close()
			conn.Write([]byte("hi"))
		}
	}()

	meeting := Meeting{
		NodeIP:      "127.0.0.1",
		Predictions: []int{1}, // port 1 is never listening; the dial-out attempt must fail
		NTP:         float64(time.Now().Unix()) - ntpDelay.Seconds() + 1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := AttendFight(ctx, clockAt(time.Now()), mappings, meeting, false)
	if err != nil {
		t.Fatalf("AttendFight: expected accept-race win, got error: %v", err)
	}
	conn.Close()
}
