package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HerbHall/iotscan/internal/iot"
)

func sampleSnapshot() iot.Snapshot {
	return iot.Snapshot{
		SessionID: "8a4f",
		Ranges:    []iot.RangeSnapshot{{Prefix: "10.0.0.", Total: 256, Cursor: 256, Completed: 256}},
		Devices: []iot.DeviceRecord{
			{Address: "http://10.0.0.42", Status: iot.StatusConnected, FoundAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
			{Address: "https://10.0.0.50", Status: iot.StatusAlreadyConnected, CertificateSuspected: true},
		},
	}
}

func TestParseScanFlags(t *testing.T) {
	opts, cfgPath, err := parseScanFlags([]string{
		"-range", "10.0.0.", "-range", "192.168.1.0/24",
		"-format", "json", "-timeout", "30s", "-connect=false", "-config", "scan.yaml",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseScanFlags() error = %v", err)
	}
	if len(opts.ranges) != 2 || opts.ranges[1] != "192.168.1.0/24" {
		t.Errorf("ranges = %v", opts.ranges)
	}
	if opts.discover {
		t.Error("discover = true, want false when ranges are given")
	}
	if opts.connect {
		t.Error("connect = true, want false")
	}
	if opts.format != "json" || opts.timeout != 30*time.Second || cfgPath != "scan.yaml" {
		t.Errorf("opts = %+v, config = %q", opts, cfgPath)
	}
}

func TestParseScanFlags_Defaults(t *testing.T) {
	opts, _, err := parseScanFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseScanFlags() error = %v", err)
	}
	if opts.discover || !opts.connect || opts.format != "text" {
		t.Errorf("opts = %+v, want connect and text without forced discovery", opts)
	}
}

func TestScanPlan(t *testing.T) {
	tests := []struct {
		name         string
		configured   []string
		flags        []string
		discover     bool
		wantRanges   []string
		wantDiscover bool
	}{
		{"nothing given discovers", nil, nil, false, []string{}, true},
		{"configured ranges only", []string{"10.0.0."}, nil, false, []string{"10.0.0."}, false},
		{"flag ranges only", nil, []string{"192.168.1."}, false, []string{"192.168.1."}, false},
		{"both merged in order", []string{"10.0.0."}, []string{"192.168.1."}, false, []string{"10.0.0.", "192.168.1."}, false},
		{"explicit discover", []string{"10.0.0."}, nil, true, []string{"10.0.0."}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := iot.DefaultConfig()
			cfg.Ranges = tc.configured
			ranges, discover := scanPlan(cfg, scanOptions{ranges: tc.flags, discover: tc.discover})
			if discover != tc.wantDiscover {
				t.Errorf("discover = %v, want %v", discover, tc.wantDiscover)
			}
			if strings.Join(ranges, ",") != strings.Join(tc.wantRanges, ",") {
				t.Errorf("ranges = %v, want %v", ranges, tc.wantRanges)
			}
		})
	}
}

func TestParseScanFlags_BadFormat(t *testing.T) {
	if _, _, err := parseScanFlags([]string{"-format", "xml"}, io.Discard); err == nil {
		t.Fatal("parseScanFlags() error = nil, want error")
	}
}

func TestRunScan_BadFlagsExitCode(t *testing.T) {
	var stderr bytes.Buffer
	if code := runScan([]string{"-format", "xml"}, io.Discard, &stderr); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "xml") {
		t.Errorf("stderr = %q, want it to name the format", stderr.String())
	}
}

func TestWriteSnapshot_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSnapshot(&buf, "text", sampleSnapshot()); err != nil {
		t.Fatalf("writeSnapshot() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"range 10.0.0.*  256/256 probed",
		"http://10.0.0.42",
		"connected",
		"already_connected",
		"certificate not trusted",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSnapshot_TextNoDevices(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSnapshot(&buf, "text", iot.Snapshot{}); err != nil {
		t.Fatalf("writeSnapshot() error = %v", err)
	}
	if !strings.Contains(buf.String(), "no boxes found") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestWriteSnapshot_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSnapshot(&buf, "json", sampleSnapshot()); err != nil {
		t.Fatalf("writeSnapshot() error = %v", err)
	}
	var got iot.Snapshot
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got.SessionID != "8a4f" || len(got.Devices) != 2 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestWriteSnapshot_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSnapshot(&buf, "yaml", sampleSnapshot()); err != nil {
		t.Fatalf("writeSnapshot() error = %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if got["session_id"] != "8a4f" {
		t.Errorf("session_id = %v, want 8a4f", got["session_id"])
	}
	if !strings.Contains(buf.String(), "address: http://10.0.0.42") {
		t.Errorf("output missing device address:\n%s", buf.String())
	}
}
