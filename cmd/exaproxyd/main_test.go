//go:build linux
// +build linux

package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// We use a bytes.Buffer as stdout, stderr which is shared across multiple go-routines so we need to
// protect it from concurrent access. This is test-only code but -race doesn't know that.
type mutexBytesBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (t *mutexBytesBuffer) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buffer.Write(p)
}

func (t *mutexBytesBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.buffer.String()
}

//////////////////////////////////////////////////////////////////////

type mainTestCase struct {
	description string
	willRunFor  time.Duration // exaproxyd should run for this amount of time before being terminated
	args        []string      // ARGV - not counting command
	exitCode    int
	stdout      []string // Expected stdout strings
	stderr      string   // Expected stderr string
}

var mainTestCases = []mainTestCase{
	{"version", 0, []string{"--version"}, 0, []string{"Version"}, ""},
	{"help", 0, []string{"-h"}, 0, []string{"forwarding HTTP/HTTPS proxy"}, ""},
	{"bad flag", 0, []string{"--no-such-flag"}, 1, []string{}, "flag provided but not defined"},
	{"no nameservers", 0, []string{"-c", ""}, 1, []string{}, "Must supply nameservers"},
	{"bad allowlist entry", 0, []string{"-L", "gibberish"}, 1, []string{}, "host:port"},
	{"runs and exits", 500 * time.Millisecond,
		[]string{"-v", "-A", "127.0.0.1:0", "-i", "1s", "192.0.2.53"},
		0, []string{"Starting", "Exiting"}, ""},
	{"runs with explicit ports", 500 * time.Millisecond,
		[]string{"-v", "-A", "127.0.0.1:0", "192.0.2.53:53", "2001:db8::53"},
		0, []string{"Starting", "Exiting"}, ""},
}

func TestMain(t *testing.T) {
	for _, tc := range mainTestCases {
		t.Run(tc.description, func(t *testing.T) {
			out := &mutexBytesBuffer{}
			errOut := &mutexBytesBuffer{}
			mainInit(out, errOut)

			if tc.willRunFor > 0 {
				go func() {
					time.Sleep(tc.willRunFor)
					stopMain()
				}()
			}

			args := append([]string{"exaproxyd"}, tc.args...)
			code := mainExecute(args)
			if code != tc.exitCode {
				t.Error("Expected exit code", tc.exitCode, "got", code,
					"stdout:", out.String(), "stderr:", errOut.String())
			}
			for _, want := range tc.stdout {
				if !strings.Contains(out.String(), want) {
					t.Error("Expected stdout to contain", want, "got", out.String())
				}
			}
			if len(tc.stderr) > 0 && !strings.Contains(errOut.String(), tc.stderr) {
				t.Error("Expected stderr to contain", tc.stderr, "got", errOut.String())
			}
		})
	}
}
