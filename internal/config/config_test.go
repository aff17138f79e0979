package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OANDA_ACCESS_TOKEN", "OANDA_ACCOUNT_ID", "OANDA_ENVIRONMENT", "REDIS_URL", "REDIS_PASSWORD", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "qprotrader-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.App.LogFormat != "console" {
		t.Fatalf("unexpected App.LogFormat: %s", cfg.App.LogFormat)
	}
	if got := cfg.InstrumentNames(); len(got) != 2 || got[0] != "EUR_USD" || got[1] != "USD_JPY" {
		t.Fatalf("unexpected instruments: %+v", got)
	}
	eur, ok := cfg.Instrument("EUR_USD")
	if !ok || eur.PipValue != 1 || eur.Precision != 0 || eur.StartPrice != 1.085 {
		t.Fatalf("unexpected EUR_USD metadata: %+v", eur)
	}
	jpy, _ := cfg.Instrument("USD_JPY")
	if jpy.PipValue != 0.0067 || jpy.Precision != 1 {
		t.Fatalf("unexpected USD_JPY metadata: %+v", jpy)
	}
	if cfg.Window.Capacity != 120 || cfg.Window.MinTicks != 25 {
		t.Fatalf("unexpected window: %+v", cfg.Window)
	}
	if cfg.Window.RSIPeriod != 14 || cfg.Window.BandPeriod != 20 || cfg.Window.BandStdDev != 2 {
		t.Fatalf("expected indicator defaults, got %+v", cfg.Window)
	}
	if cfg.Strategy.Mode != "rsi_momentum" {
		t.Fatalf("unexpected strategy mode: %s", cfg.Strategy.Mode)
	}
	if cfg.Risk.MaxTradesPerHour != 12 {
		t.Fatalf("unexpected max trades per hour: %d", cfg.Risk.MaxTradesPerHour)
	}
	if !cfg.Pipeline.ProtectiveExits || cfg.Pipeline.WarmupCandles != 200 {
		t.Fatalf("unexpected pipeline: %+v", cfg.Pipeline)
	}
	if cfg.OrderTimeout() != 15*time.Second {
		t.Fatalf("unexpected order timeout: %s", cfg.OrderTimeout())
	}
	if cfg.Pipeline.DispatchWorkers != 4 {
		t.Fatalf("expected default dispatch workers 4, got %d", cfg.Pipeline.DispatchWorkers)
	}
	if cfg.Paper.StartingCash != 5000 {
		t.Fatalf("expected starting cash 5000, got %.2f", cfg.Paper.StartingCash)
	}
	if cfg.Paper.MaxLatencyMs != 50 {
		t.Fatalf("expected max latency 50, got %d", cfg.Paper.MaxLatencyMs)
	}
	if cfg.Paper.SlippageBps != 3 {
		t.Fatalf("expected slippage 3 bps, got %.2f", cfg.Paper.SlippageBps)
	}
	if cfg.Paper.PartialFillProbability != 0.5 {
		t.Fatalf("expected partial fill probability 0.5, got %.2f", cfg.Paper.PartialFillProbability)
	}
	if cfg.Paper.MaxPartialFills != 2 {
		t.Fatalf("expected max partial fills 2, got %d", cfg.Paper.MaxPartialFills)
	}
	if cfg.CacheTTL() != time.Hour {
		t.Fatalf("expected default cache ttl 1h, got %s", cfg.CacheTTL())
	}
}

func TestConversions(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	rp := cfg.RiskParameters()
	if err := rp.Validate(); err != nil {
		t.Fatalf("risk parameters invalid: %v", err)
	}
	if rp.MaxPositionSize != 50000 || rp.MaxSpread != 0.0003 {
		t.Fatalf("unexpected risk parameters: %+v", rp)
	}

	pc := cfg.PaperConfig()
	if pc.MaxLatency != 50*time.Millisecond || pc.StartingBalance != 5000 || pc.AccountID != "paper-1" {
		t.Fatalf("unexpected paper config: %+v", pc)
	}

	sc := cfg.SourceConfig()
	if sc.Provider != "stub" || sc.StubInterval != 50*time.Millisecond {
		t.Fatalf("unexpected source config: %+v", sc)
	}
	if sc.StubPrices["EUR_USD"] != 1.085 {
		t.Fatalf("expected stub start price for EUR_USD, got %+v", sc.StubPrices)
	}
	if _, ok := sc.StubPrices["USD_JPY"]; ok {
		t.Fatalf("USD_JPY has no start price configured")
	}

	oc := cfg.OandaConfig()
	if oc.Precision["USD_JPY"] != 1 || oc.Timeout != 10*time.Second {
		t.Fatalf("unexpected oanda config: %+v", oc)
	}
	pc2 := cfg.PipelineConfig()
	if len(pc2.Instruments) != 2 || pc2.Instruments[1].PipValue != 0.0067 || !pc2.ProtectiveExits {
		t.Fatalf("unexpected pipeline config: %+v", pc2)
	}
	if pc2.Execution.Workers != 4 || pc2.WindowCapacity != 120 {
		t.Fatalf("unexpected pipeline sizing: %+v", pc2)
	}
	if len(cfg.FeedOptions()) != 2 {
		t.Fatalf("expected two feed options")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadRejectsInvalidProvider(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join("testdata", "invalid.yaml"))
	if err == nil || !strings.Contains(err.Error(), "Provider") {
		t.Fatalf("expected provider validation error, got %v", err)
	}
}

func TestIndicatorPeriodsMustFitMinTicks(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"RSIPeriod":  "rsi_period: 30",
		"ATRPeriod":  "atr_period: 20",
		"BandPeriod": "band_period: 21",
	}
	for field, line := range cases {
		path := filepath.Join(t.TempDir(), "window.yaml")
		body := "instruments:\n  - name: EUR_USD\nwindow:\n  min_ticks: 20\n  " + line + "\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		_, err := Load(path)
		if err == nil || !strings.Contains(err.Error(), field) {
			t.Fatalf("expected %s to be rejected against min_ticks, got %v", field, err)
		}
	}
}

func TestOandaRequiresCredentials(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join("testdata", "oanda.yaml")); err == nil {
		t.Fatalf("expected missing token to fail validation")
	}

	t.Setenv("OANDA_ACCESS_TOKEN", "tok")
	t.Setenv("OANDA_ACCOUNT_ID", "101-001-1-001")
	cfg, err := Load(filepath.Join("testdata", "oanda.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Broker.Token != "tok" || cfg.Broker.AccountID != "101-001-1-001" {
		t.Fatalf("credentials not read from env: %+v", cfg.Broker)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("OANDA_ACCESS_TOKEN")
	os.Unsetenv("OANDA_ACCOUNT_ID")
	dir := t.TempDir()
	env := filepath.Join(dir, "test.env")
	if err := os.WriteFile(env, []byte("OANDA_ACCESS_TOKEN=from-file\nOANDA_ACCOUNT_ID=acct-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("OANDA_ACCESS_TOKEN")
		os.Unsetenv("OANDA_ACCOUNT_ID")
	})

	cfg, err := Load(filepath.Join("testdata", "oanda.yaml"), env)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Broker.Token != "from-file" || cfg.Broker.AccountID != "acct-file" {
		t.Fatalf("expected credentials from env file, got %+v", cfg.Broker)
	}
}

func TestSaveRoundTripOmitsSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("OANDA_ACCESS_TOKEN", "super-secret")
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	out := filepath.Join(t.TempDir(), "saved.yaml")
	if err := Save(out, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	if strings.Contains(string(raw), "super-secret") {
		t.Fatalf("token leaked into saved config")
	}
	again, err := Load(out)
	if err != nil {
		t.Fatalf("reload returned error: %v", err)
	}
	if again.Paper.StartingCash != cfg.Paper.StartingCash || len(again.Instruments) != 2 {
		t.Fatalf("round trip lost fields: %+v", again)
	}
	if err := Save(out, nil); err == nil {
		t.Fatalf("expected error saving nil config")
	}
}
