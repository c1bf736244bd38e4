package activation

import (
	"net"
	"strconv"
	"testing"
)

func TestCount(t *testing.T) {
	const pid = 4242
	tests := []struct {
		name    string
		vars    map[string]string
		want    int
		wantErr bool
	}{
		{name: "no activation", vars: map[string]string{}},
		{name: "other process", vars: map[string]string{"LISTEN_PID": "1", "LISTEN_FDS": "1"}},
		{name: "activated", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid), "LISTEN_FDS": "2"}, want: 2},
		{name: "zero fds", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid), "LISTEN_FDS": "0"}},
		{name: "missing fds", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid)}},
		{name: "invalid pid", vars: map[string]string{"LISTEN_PID": "abc"}, wantErr: true},
		{name: "invalid fds", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid), "LISTEN_FDS": "x"}, wantErr: true},
		{name: "negative fds", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid), "LISTEN_FDS": "-1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := env{getenv: func(k string) string { return tt.vars[k] }, pid: pid}
			got, err := e.count()
			if (err != nil) != tt.wantErr {
				t.Fatalf("count() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestListen_FallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, inherited, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if inherited {
		t.Error("expected a fresh listener without socket activation")
	}
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Errorf("expected TCP listener, got %T", ln.Addr())
	}
}

func TestListen_InvalidEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "not-a-pid")

	if _, _, err := Listen("127.0.0.1:0"); err == nil {
		t.Fatal("expected error for invalid LISTEN_PID")
	}
}
