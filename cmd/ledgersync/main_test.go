package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/ledgersync/internal/bling"
)

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// legacyAPI serves two items per ledger on page 1 and an empty page after.
func legacyAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pagina") != "1" {
			_, _ = w.Write([]byte(`{"retorno":{"erros":[{"erro":{"cod":14,"msg":"A informacao desejada nao foi encontrada"}}]}}`))
			return
		}
		switch r.URL.Path {
		case "/contaspagar/json":
			_, _ = w.Write([]byte(`{"retorno":{"contaspagar":[
				{"contapagar":{"id":"p1","valor":"10.00","situacao":"aberto","fornecedor":{"idFornecedor":"9","nome":"Acme"}}},
				{"contapagar":{"id":"p2","valor":"20,50","situacao":"pago"}}]}}`))
		case "/contasreceber/json":
			_, _ = w.Write([]byte(`{"retorno":{"contasreceber":[
				{"contareceber":{"id":"r1","valor":"5"}},
				{"contareceber":{"historico":"no id"}}]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestEnv(t *testing.T, lines ...string) (envPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	envPath = filepath.Join(dir, ".env")
	dbPath = filepath.Join(dir, "cache.db")
	content := append([]string{"BLING_DB_PATH=" + dbPath, "LOG_LEVEL=error"}, lines...)
	require.NoError(t, os.WriteFile(envPath, []byte(strings.Join(content, "\n")+"\n"), 0600))
	return envPath, dbPath
}

func TestSyncStatusExportRenormalize(t *testing.T) {
	api := legacyAPI(t)
	env, _ := writeTestEnv(t, "BLING_API_KEY=test-key", "BLING_LEGACY_BASE_URL="+api.URL)

	out, err := runCLI(t, "--env-file", env, "sync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "legacy")
	assert.Contains(t, out, "2 record(s)")
	assert.Contains(t, out, "1 skipped without id")

	out, err = runCLI(t, "--env-file", env, "status", "--json=true", "--yaml=false", "--runs=5")
	require.NoError(t, err, out)
	var st cacheStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st), out)
	assert.Equal(t, 2, st.Counts["payable"])
	assert.Equal(t, 1, st.Counts["receivable"])
	require.Len(t, st.LastRuns, 2)
	assert.Equal(t, "succeeded", st.LastRuns[0].Status)

	out, err = runCLI(t, "--env-file", env, "status", "--json=false", "--yaml=true", "--runs=1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "payable: 2")
	assert.Contains(t, out, "last_runs:")
	assert.Contains(t, out, "status: succeeded")

	exportPath := filepath.Join(t.TempDir(), "payable.jsonl")
	out, err = runCLI(t, "--env-file", env, "export", "pagar", exportPath, "--backup=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Exported 2 payable")
	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	out, err = runCLI(t, "--env-file", env, "renormalize")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 scanned, 0 updated")

	// The export seeds a fresh cache.
	env2, _ := writeTestEnv(t)
	out, err = runCLI(t, "--env-file", env2, "import", "payable", exportPath, "--dry-run=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Imported 2 payable")
}

func TestStatus_NoCache(t *testing.T) {
	env, _ := writeTestEnv(t)
	out, err := runCLI(t, "--env-file", env, "status", "--json=false", "--yaml=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache not initialized")
}

func TestSync_NoCredentials(t *testing.T) {
	env, _ := writeTestEnv(t)
	_, err := runCLI(t, "--env-file", env, "sync")
	var cfgErr *bling.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 2, exitCode(err))
}

func TestSync_UnknownKind(t *testing.T) {
	env, _ := writeTestEnv(t, "BLING_API_KEY=k")
	_, err := runCLI(t, "--env-file", env, "sync", "invoices")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(fmt.Errorf("boom")))
	assert.Equal(t, 2, exitCode(&bling.ConfigurationError{Setting: "BLING_API_KEY"}))
	assert.Equal(t, 3, exitCode(fmt.Errorf("sync: %w", &bling.AuthExchangeError{StatusCode: 401})))
}

func TestConfigure_NoInput(t *testing.T) {
	env, _ := writeTestEnv(t, "# keep me")
	out, err := runCLI(t, "--env-file", env, "configure", "--no-input",
		"--client-id", "cid", "--client-secret", "s e c", "--protocol", "bearer")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote 3 setting(s)")
	assert.Contains(t, out, "ledgersync authorize")

	data, err := os.ReadFile(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# keep me\n")
	assert.Contains(t, string(data), "BLING_CLIENT_ID=cid\n")
	assert.Contains(t, string(data), `BLING_CLIENT_SECRET="s e c"`)
	assert.Contains(t, string(data), "BLING_PROTOCOL=bearer\n")
}

func TestAuthorize_Refresh(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":21600}`))
	}))
	t.Cleanup(tokens.Close)
	env, _ := writeTestEnv(t,
		"BLING_CLIENT_ID=cid",
		"BLING_CLIENT_SECRET=secret",
		"BLING_ACCESS_TOKEN=old-access",
		"BLING_REFRESH_TOKEN=old-refresh",
		"BLING_TOKEN_URL="+tokens.URL)

	out, err := runCLI(t, "--env-file", env, "authorize", "--refresh=true")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Access token refreshed")

	data, err := os.ReadFile(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), "BLING_ACCESS_TOKEN=new-access\n")
	assert.Contains(t, string(data), "BLING_REFRESH_TOKEN=new-refresh\n")
}

func TestAuthorize_RefreshWithoutTokens(t *testing.T) {
	env, _ := writeTestEnv(t, "BLING_CLIENT_ID=cid", "BLING_CLIENT_SECRET=secret")
	_, err := runCLI(t, "--env-file", env, "authorize", "--refresh=true")
	var cfgErr *bling.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "BLING_REFRESH_TOKEN", cfgErr.Setting)
	assert.Equal(t, 2, exitCode(err))
}
