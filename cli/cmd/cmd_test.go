package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/k4Y53N/nanoServer/cli/config"
	"github.com/k4Y53N/nanoServer/ipc"
	"github.com/k4Y53N/nanoServer/types"
)

// runApp runs the CLI in-process. Exit errors are returned, not acted on.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := &cli.App{
		Name:           "nanoserver",
		Writer:         &stdout,
		ErrWriter:      &stderr,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			ServeCommand(),
			ConfigsCommand(),
			SendCommand(),
			VersionCommand("abc123"),
		},
	}
	err := app.Run(append([]string{"nanoserver"}, args...))
	return stdout.String(), stderr.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if !errors.As(err, &ec) {
		t.Fatalf("error %v is not an ExitCoder", err)
	}
	return ec.ExitCode()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadOnlyFlags_IncludesFormat(t *testing.T) {
	found := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "format" {
			found = true
		}
	}
	if !found {
		t.Error("ReadOnlyFlags should include --format")
	}
}

func TestVersionCommand_JSON(t *testing.T) {
	out, _, err := runApp(t, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var resp VersionResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.Version != types.Version || resp.Commit != "abc123" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestVersionCommand_BadFormat(t *testing.T) {
	_, _, err := runApp(t, "version", "--format", "xml")
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestBuildMessage(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		pairs   []string
		want    types.Message
		wantErr bool
	}{
		{
			name: "bare command is upper-cased",
			cmd:  "get_sys_info",
			want: types.Message{"CMD": "GET_SYS_INFO"},
		},
		{
			name:  "json values",
			cmd:   "MOV",
			pairs: []string{"R=0.5", "THETA=90"},
			want:  types.Message{"CMD": "MOV", "R": 0.5, "THETA": float64(90)},
		},
		{
			name:  "bool and string values",
			cmd:   "SET_CONFIG",
			pairs: []string{"CONFIG=yolo", "IS_STREAM=true"},
			want:  types.Message{"CMD": "SET_CONFIG", "CONFIG": "yolo", "IS_STREAM": true},
		},
		{name: "empty command", cmd: " ", wantErr: true},
		{name: "missing equals", cmd: "MOV", pairs: []string{"R"}, wantErr: true},
		{name: "empty key", cmd: "MOV", pairs: []string{"=1"}, wantErr: true},
		{name: "cmd override", cmd: "MOV", pairs: []string{"CMD=EXIT"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildMessage(tt.cmd, tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %#v, want %#v", k, got[k], v)
				}
			}
		})
	}
}

func TestBuildOptions_Defaults(t *testing.T) {
	cfg := config.Defaults()
	opts, err := buildOptions(&cfg, "1.2.3")
	if err != nil {
		t.Fatalf("buildOptions: %v", err)
	}
	if opts.Server.Port != 5050 || opts.Server.QueueSize != 50 {
		t.Errorf("server = %+v", opts.Server)
	}
	if opts.Pipeline.MaxFPS != 20 || opts.Pipeline.Workers != 5 {
		t.Errorf("pipeline = %+v", opts.Pipeline)
	}
	if !opts.Quality.Allows(100, 100) || opts.Quality.Allows(1921, 1080) {
		t.Errorf("quality = %+v", opts.Quality)
	}
	if opts.Motion.ResetInterval != time.Second {
		t.Errorf("motion reset = %v", opts.Motion.ResetInterval)
	}
	if opts.Adapter != nil {
		t.Error("adapter should be nil without a type")
	}
	if opts.Power.Enabled() {
		t.Error("power command should be disabled by default")
	}
	if opts.Version != "1.2.3" {
		t.Errorf("version = %q", opts.Version)
	}
}

func TestBuildAdapter(t *testing.T) {
	zero := 0
	tests := []struct {
		name    string
		ac      config.AdapterConfig
		wantNil bool
		wantErr bool
	}{
		{name: "none", wantNil: true},
		{name: "webhook", ac: config.AdapterConfig{Type: "webhook", URL: "http://127.0.0.1:1/hook"}},
		{name: "webhook msgpack no retries", ac: config.AdapterConfig{Type: "webhook", URL: "http://127.0.0.1:1/hook", Codec: "msgpack", Retries: &zero}},
		{name: "redis", ac: config.AdapterConfig{Type: "redis", URL: "redis://127.0.0.1:1/0"}},
		{name: "webhook without url", ac: config.AdapterConfig{Type: "webhook"}, wantErr: true},
		{name: "bad codec", ac: config.AdapterConfig{Type: "webhook", URL: "http://x", Codec: "xml"}, wantErr: true},
		{name: "unknown type", ac: config.AdapterConfig{Type: "kafka", URL: "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := buildAdapter(tt.ac)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (a == nil) != tt.wantNil {
				t.Fatalf("adapter = %v, wantNil %v", a, tt.wantNil)
			}
			if a != nil {
				_ = a.Close()
			}
		})
	}
}

func TestConfigsCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "yolo.json"), `{"size":416,"model_type":"yolov4","tiny":true,"classes":["person","car"]}`)
	writeFile(t, filepath.Join(dir, "alpha.yaml"), "size: 320\nmodel_type: yolov3\nclasses: [cup]\n")
	writeFile(t, filepath.Join(dir, "broken.json"), `{"size":0}`)

	out, stderr, err := runApp(t, "configs", "--dir", dir, "--format", "json")
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	var rows []ConfigRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(rows) != 2 || rows[0].Name != "alpha" || rows[1].Name != "yolo" {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[1].Size != 416 || !rows[1].Tiny || len(rows[1].Classes) != 2 {
		t.Errorf("yolo row = %+v", rows[1])
	}
	if !strings.Contains(stderr, "broken") {
		t.Errorf("stderr should warn about broken descriptor, got %q", stderr)
	}
}

func TestConfigsCommand_Table(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "yolo.json"), `{"size":416,"model_type":"yolov4","classes":["person"]}`)

	out, _, err := runApp(t, "configs", "--dir", dir, "--format", "table")
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	if !strings.Contains(out, "MODEL_TYPE") || !strings.Contains(out, "yolov4") {
		t.Errorf("table output = %q", out)
	}
}

func TestConfigsCommand_MissingDir(t *testing.T) {
	_, _, err := runApp(t, "configs", "--dir", filepath.Join(t.TempDir(), "nope"))
	if got := exitCode(t, err); got != exitFailure {
		t.Errorf("exit code = %d, want %d", got, exitFailure)
	}
}

func TestConfigsCommand_ReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	descDir := filepath.Join(dir, "models")
	if err := os.Mkdir(descDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(descDir, "m.yml"), "size: 64\nmodel_type: tiny\nclasses: [a]\n")
	cfgPath := filepath.Join(dir, "nanoserver.yaml")
	writeFile(t, cfgPath, "detector:\n  configs_dir: "+descDir+"\n")

	out, _, err := runApp(t, "configs", "--config", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	if !strings.Contains(out, `"name": "m"`) {
		t.Errorf("output = %q", out)
	}
}

// fakeServer answers the first message with replies, then closes.
func fakeServer(t *testing.T, replies ...types.Message) (string, <-chan types.Message) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan types.Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		msg, err := ipc.NewFrameDecoder(conn).ReadMessage()
		if err != nil {
			return
		}
		got <- msg
		enc := ipc.NewFrameEncoder(conn)
		for _, r := range replies {
			if err := enc.WriteMessage(r); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), got
}

func TestSendCommand(t *testing.T) {
	addr, got := fakeServer(t,
		types.FrameReply(types.Frame{Image: "abc"}),
		types.SysInfo(false, true, 640, 480),
	)

	out, _, err := runApp(t, "send", "--addr", addr, "--expect", types.CmdSysInfo, "--format", "json", "get_sys_info")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	sent := <-got
	if cmd, _ := sent.Command(); cmd != types.CmdGetSysInfo {
		t.Errorf("server received %v", sent)
	}
	var reply map[string]any
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if reply["CMD"] != types.CmdSysInfo || reply["CAMERA_WIDTH"] != float64(640) {
		t.Errorf("reply = %v", reply)
	}
}

func TestSendCommand_ServerClosesEarly(t *testing.T) {
	addr, _ := fakeServer(t, types.NewMessage(types.CmdSysLogout))

	out, _, err := runApp(t, "send", "--addr", addr, "--count", "3", "--format", "json", "LOGOUT")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, types.CmdSysLogout) {
		t.Errorf("output = %q", out)
	}
}

func TestSendCommand_Errors(t *testing.T) {
	if _, _, err := runApp(t, "send"); exitCode(t, err) != exitConfig {
		t.Errorf("missing CMD: err = %v", err)
	}
	if _, _, err := runApp(t, "send", "--set", "bad", "MOV"); exitCode(t, err) != exitConfig {
		t.Errorf("bad --set: err = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if _, _, err := runApp(t, "send", "--addr", addr, "--timeout", "200ms", "RESET"); exitCode(t, err) != exitFailure {
		t.Errorf("refused: err = %v", err)
	}
}

func TestServeCommand_ConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		args    []string
	}{
		{name: "unknown field", content: "server:\n  prot: 1\n"},
		{name: "invalid value", content: "server:\n  port: 70000\n"},
		{name: "bad adapter", content: "adapter:\n  type: kafka\n"},
		{name: "bad log level flag", content: "", args: []string{"--log-level", "loud"}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "cfg"+string(rune('a'+i))+".yaml")
			writeFile(t, path, tt.content)
			args := append([]string{"serve", "--config", path}, tt.args...)
			_, _, err := runApp(t, args...)
			if got := exitCode(t, err); got != exitConfig {
				t.Errorf("exit code = %d, want %d (err %v)", got, exitConfig, err)
			}
		})
	}
}

func TestServeCommand_MissingExplicitConfig(t *testing.T) {
	_, _, err := runApp(t, "serve", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if got := exitCode(t, err); got != exitConfig {
		t.Errorf("exit code = %d, want %d", got, exitConfig)
	}
}

func TestServeCommand_ExitFromClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	dir := t.TempDir()
	descDir := filepath.Join(dir, "models")
	if err := os.Mkdir(descDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "nanoserver.yaml")
	writeFile(t, cfgPath, "server:\n  host: 127.0.0.1\n  server_timeout: 100ms\nlog:\n  level: error\n")

	done := make(chan error, 1)
	go func() {
		_, _, err := runApp(t, "serve", "--config", cfgPath,
			"--port", strconv.Itoa(port), "--configs-dir", descDir)
		done <- err
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(5 * time.Second)
	var replies []types.Message
	for {
		replies, err = exchange(addr, types.NewMessage(types.CmdExit), types.CmdSysExit, 1, time.Second)
		if err == nil && len(replies) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no SYS_EXIT: replies %v err %v", replies, err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after EXIT")
	}
}
