package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nerrad567/iotgo-core/internal/auth"
	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/config"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/database"
)

const testJWTSecret = "test-secret-for-development-only-32chars"

// writeTestConfig writes a config with MQTT and InfluxDB disabled and the
// database in a temp dir.
func writeTestConfig(t *testing.T, port int) (configPath, dbPath string) {
	t.Helper()
	tmpDir := t.TempDir()
	configPath = filepath.Join(tmpDir, "test-config.yaml")
	dbPath = filepath.Join(tmpDir, "test.db")

	configContent := fmt.Sprintf(`
server:
  id: test-core

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stderr

api:
  host: "127.0.0.1"
  port: %d

security:
  jwt:
    secret: %q
`, dbPath, port, testJWTSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath, dbPath
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_StartsAndShutsDown runs the server until the context expires.
func TestRun_StartsAndShutsDown(t *testing.T) {
	configPath, dbPath := writeTestConfig(t, freePort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx, configPath); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestFactoryCommand_CreatesRecord(t *testing.T) {
	configPath, dbPath := writeTestConfig(t, freePort(t))
	deviceID := "d0000000-0000-4000-8000-0000000000f1"

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	args := []string{"iotgo", "--config", configPath, "factory", "--deviceid", deviceID, "--type", "PLUG"}
	if err := app.Run(args); err != nil {
		t.Fatalf("factory command error = %v", err)
	}

	var apiKey string
	for _, line := range strings.Split(out.String(), "\n") {
		if v, ok := strings.CutPrefix(line, "apikey:"); ok {
			apiKey = strings.TrimSpace(v)
		}
	}
	if !device.ValidID(apiKey) {
		t.Fatalf("output %q has no valid apikey", out.String())
	}

	db, err := database.Open(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	ok, err := device.NewSQLiteRepository(db.DB).FactoryDeviceExists(context.Background(), apiKey, deviceID)
	if err != nil || !ok {
		t.Errorf("FactoryDeviceExists() = %v, %v; want true", ok, err)
	}
}

func TestTokenCommand(t *testing.T) {
	configPath, _ := writeTestConfig(t, freePort(t))
	apiKey := "0a1b2c3d-0000-4000-8000-000000000001"

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.Run([]string{"iotgo", "--config", configPath, "token", apiKey}); err != nil {
		t.Fatalf("token command error = %v", err)
	}

	claims, err := auth.ParseAppToken(strings.TrimSpace(out.String()), testJWTSecret)
	if err != nil {
		t.Fatalf("ParseAppToken() error = %v", err)
	}
	if claims.APIKey != apiKey {
		t.Errorf("apikey claim = %q, want %q", claims.APIKey, apiKey)
	}
}

func TestTokenCommand_RejectsBadAPIKey(t *testing.T) {
	configPath, _ := writeTestConfig(t, freePort(t))

	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ExitErrHandler = func(*cli.Context, error) {}
	if err := app.Run([]string{"iotgo", "--config", configPath, "token", "not-a-key"}); err == nil {
		t.Error("token command accepted a malformed apikey")
	}
}

func TestMigrateCommands(t *testing.T) {
	configPath, _ := writeTestConfig(t, freePort(t))

	runCmd := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		app := newApp()
		app.Writer = &out
		if err := app.Run(append([]string{"iotgo", "--config", configPath}, args...)); err != nil {
			t.Fatalf("%v error = %v", args, err)
		}
		return out.String()
	}

	status := runCmd("migrate", "status")
	if n := strings.Count(status, "pending"); n != 2 {
		t.Fatalf("fresh status = %q, want 2 pending", status)
	}

	// factory migrates the database before inserting.
	runCmd("factory")
	status = runCmd("migrate", "status")
	if strings.Count(status, "applied") != 2 || strings.Contains(status, "pending") {
		t.Fatalf("status after factory = %q, want 2 applied", status)
	}

	runCmd("migrate", "down")
	status = runCmd("migrate", "status")
	if strings.Count(status, "applied") != 1 || !strings.Contains(status, "pending  20260301_120100  device_updates") {
		t.Errorf("status after down = %q, want device_updates pending", status)
	}
}
