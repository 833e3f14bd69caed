package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/fortiblox/subleq/pkg/arena"
	"github.com/fortiblox/subleq/pkg/popstore"
	"github.com/fortiblox/subleq/pkg/rpc"
	"github.com/fortiblox/subleq/pkg/subleq"
)

func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := realMain(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "experiment.yaml")
	doc := `
subleq:
  max_output_length: 50
  max_iter: 500
code:
  length: 30
  min_value: -3
  max_value: 33
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	stdout, _, code := execute(t, "version")
	if code != 0 || !strings.HasPrefix(stdout, "subleq "+Version) {
		t.Errorf("version = %q, exit %d", stdout, code)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, code := execute(t, "frobnicate")
	if code != 2 || !strings.Contains(stderr, "unknown command") {
		t.Errorf("exit %d, stderr %q", code, stderr)
	}
	if _, _, code := execute(t); code != 2 {
		t.Errorf("no args exit = %d, want 2", code)
	}
}

func TestRunCommand(t *testing.T) {
	stdout, stderr, code := execute(t, "run",
		"-program", "[-1,-1,3,0,0,-1]",
		"-input", "[5]",
		"-log-level", "error",
	)
	if code != 0 {
		t.Fatalf("run exit %d: %s", code, stderr)
	}

	var resp rpc.RunResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("bad output %q: %v", stdout, err)
	}
	if !slices.Equal(resp.Output, []int64{-5}) || resp.Status != "completed" || resp.Halt != "marker" {
		t.Errorf("run = %+v", resp)
	}
}

func TestRunCommandLimitsAndTrace(t *testing.T) {
	stdout, stderr, code := execute(t, "run",
		"-program", "[0,0,0]",
		"-max-iter", "4",
		"-trace",
		"-log-level", "info",
	)
	if code != 0 {
		t.Fatalf("run exit %d: %s", code, stderr)
	}
	var resp rpc.RunResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("bad output %q: %v", stdout, err)
	}
	if resp.Fault != "iterations_exhausted" || resp.Code != -1 || resp.Iterations != 4 {
		t.Errorf("run = %+v", resp)
	}
	if n := strings.Count(stderr, "msg=step"); n != 4 {
		t.Errorf("traced %d steps, want 4", n)
	}
}

func TestRunCommandBadProgram(t *testing.T) {
	_, _, code := execute(t, "run", "-program", "[1,2,", "-log-level", "error")
	if code != 1 {
		t.Errorf("exit %d, want 1", code)
	}
}

func TestGenExportImport(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	zst := filepath.Join(dir, "pop.json.zst")

	if _, stderr, code := execute(t, "gen", "-config", cfg, "-store", src, "-n", "6", "-seed", "4"); code != 0 {
		t.Fatalf("gen exit %d: %s", code, stderr)
	}
	if _, stderr, code := execute(t, "export", "-config", cfg, "-store", src, "-out", zst); code != 0 {
		t.Fatalf("export exit %d: %s", code, stderr)
	}
	if _, stderr, code := execute(t, "import", "-config", cfg, "-store", dst, "-in", zst); code != 0 {
		t.Fatalf("import exit %d: %s", code, stderr)
	}

	store, err := popstore.Open(popstore.DefaultConfig(dst))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	pop, err := store.Programs()
	if err != nil {
		t.Fatalf("failed to list programs: %v", err)
	}
	if len(pop) != 6 {
		t.Fatalf("imported %d programs, want 6", len(pop))
	}
	for _, p := range pop {
		if len(p) != 30 {
			t.Errorf("program length %d, want 30", len(p))
		}
	}
}

func TestHomoiconicCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	zst := filepath.Join(dir, "pop.json.zst")

	if _, stderr, code := execute(t, "gen", "-config", cfg, "-n", "3", "-seed", "8", "-out", zst); code != 0 {
		t.Fatalf("gen exit %d: %s", code, stderr)
	}
	stdout, stderr, code := execute(t, "homoiconic", "-config", cfg, "-pop", zst)
	if code != 0 {
		t.Fatalf("homoiconic exit %d: %s", code, stderr)
	}

	sc := bufio.NewScanner(strings.NewReader(stdout))
	records := 0
	for sc.Scan() {
		var rec arena.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad record %q: %v", sc.Text(), err)
		}
		records++
	}
	if records != 18 {
		t.Errorf("records = %d, want 18", records)
	}
}

func TestSkimmedCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	store := filepath.Join(dir, "pop.db")
	sizes := filepath.Join(dir, "sizes.jsonl")

	_, stderr, code := execute(t, "skimmed", "-config", cfg, "-store", store,
		"-batch", "5", "-generations", "2", "-skims", "1", "-accepted", "0",
		"-seed", "2", "-sizes", sizes)
	if code != 0 {
		t.Fatalf("skimmed exit %d: %s", code, stderr)
	}

	data, err := os.ReadFile(sizes)
	if err != nil {
		t.Fatalf("failed to read sizes: %v", err)
	}
	if n := strings.Count(string(data), "\n"); n != 2 {
		t.Errorf("size lines = %d, want 2", n)
	}
}

// startEngine serves the engine on a loopback port and returns its address.
func startEngine(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	config := rpc.DefaultConfig()
	config.Defaults = subleq.Limits{MaxOutput: 50, MaxIterations: 500}
	srv, err := rpc.NewServer(config)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestBaselineEnginePool(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	args := []string{"baseline", "-config", cfg, "-n-ref", "4", "-n-tested", "5", "-seed", "11"}

	local, stderr, code := execute(t, args...)
	if code != 0 {
		t.Fatalf("local baseline exit %d: %s", code, stderr)
	}

	remote := startEngine(t) + "," + startEngine(t)
	pooled, stderr, code := execute(t, append(args, "-remote", remote)...)
	if code != 0 {
		t.Fatalf("pooled baseline exit %d: %s", code, stderr)
	}
	if pooled != local {
		t.Errorf("pooled scores %q, local %q", pooled, local)
	}
	if n := strings.Count(local, "\n"); n != 5 {
		t.Errorf("score lines = %d, want 5", n)
	}
}

func TestServeRejectsRemote(t *testing.T) {
	_, _, code := execute(t, "serve", "-remote", "127.0.0.1:1", "-log-level", "error")
	if code != 1 {
		t.Errorf("exit %d, want 1", code)
	}
}

func TestRunCommandRemoteZeroLimits(t *testing.T) {
	stdout, stderr, code := execute(t, "run",
		"-program", "[-1,-1,3,0,0,-1]",
		"-input", "[5]",
		"-max-iter", "0",
		"-remote", startEngine(t),
		"-log-level", "error",
	)
	if code != 0 {
		t.Fatalf("run exit %d: %s", code, stderr)
	}
	var resp rpc.RunResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("bad output %q: %v", stdout, err)
	}
	if resp.Fault != "iterations_exhausted" || resp.Iterations != 0 || len(resp.Output) != 0 {
		t.Errorf("run = %+v, want iterations_exhausted before the first step", resp)
	}
}
