package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFileRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "stablechannels.json")
	reg := NewFileRegistry(path)

	pegs, err := reg.LoadPegs(ctx)
	if err != nil {
		t.Fatalf("文件不存在时应返回空列表: %v", err)
	}
	if len(pegs) != 0 {
		t.Fatalf("期望空注册表, 实际 %d 条", len(pegs))
	}

	if err := reg.UpsertPeg(ctx, PegRecord{ChannelID: "b", TargetUSD: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := reg.UpsertPeg(ctx, PegRecord{ChannelID: "a", TargetUSD: decimal.NewFromInt(50), NativeBTC: decimal.RequireFromString("0.001")}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := reg.UpsertPeg(ctx, PegRecord{ChannelID: "b", TargetUSD: decimal.NewFromInt(250)}); err != nil {
		t.Fatalf("更新失败: %v", err)
	}

	pegs, err = reg.LoadPegs(ctx)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(pegs) != 2 || pegs[0].ChannelID != "a" || pegs[1].ChannelID != "b" {
		t.Fatalf("注册表内容不正确: %#v", pegs)
	}
	if !pegs[1].TargetUSD.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("目标值应被覆盖, 实际 %s", pegs[1].TargetUSD)
	}
	if pegs[0].UpdatedAt.IsZero() || time.Since(pegs[0].UpdatedAt) > time.Minute {
		t.Fatalf("updated_at 未设置")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取文件失败: %v", err)
	}
	for _, want := range []string{`"target_usd": 250`, `"native_btc_reference": 0.001`, `"native_btc_reference": 0`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("金额应写为数字 %s, 文件内容: %s", want, raw)
		}
	}

	if err := reg.DeletePeg(ctx, "a"); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if err := reg.DeletePeg(ctx, "missing"); err != nil {
		t.Fatalf("删除不存在的条目不应报错: %v", err)
	}
	pegs, _ = reg.LoadPegs(ctx)
	if len(pegs) != 1 || pegs[0].ChannelID != "b" {
		t.Fatalf("删除后内容不正确: %#v", pegs)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".registry-") {
			t.Fatalf("临时文件未清理: %s", e.Name())
		}
	}
}

func TestFileRegistryReadsNumericTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stablechannels.json")
	body := `[{"channel_id":"abc","target_usd":100.5,"native_btc_reference":0.002}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	pegs, err := NewFileRegistry(path).LoadPegs(context.Background())
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(pegs) != 1 || pegs[0].TargetUSD.String() != "100.5" || pegs[0].NativeBTC.String() != "0.002" {
		t.Fatalf("解析结果不正确: %#v", pegs)
	}
}

func TestPegRecordMarshalsNumbers(t *testing.T) {
	raw, err := json.Marshal(PegRecord{ChannelID: "c1", TargetUSD: decimal.NewFromInt(100), NativeBTC: decimal.RequireFromString("0.001")})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	want := `{"channel_id":"c1","target_usd":100,"native_btc_reference":0.001}`
	if string(raw) != want {
		t.Fatalf("期望 %s, 实际 %s", want, raw)
	}

	var plain struct {
		TargetUSD float64 `json:"target_usd"`
		NativeBTC float64 `json:"native_btc_reference"`
	}
	if err := json.Unmarshal(raw, &plain); err != nil {
		t.Fatalf("按 float64 解析失败: %v", err)
	}
	if plain.TargetUSD != 100 || plain.NativeBTC != 0.001 {
		t.Fatalf("解析结果不正确: %+v", plain)
	}
}

func TestFileRegistryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stablechannels.json")
	if err := os.WriteFile(path, []byte("{oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileRegistry(path).LoadPegs(context.Background()); err == nil {
		t.Fatal("损坏的文件应返回错误")
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if _, err := s.LoadPegs(context.Background()); err != ErrNotConfigured {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, _, err := NewStore(nil).TryAdvisoryLock(context.Background(), 1); err != ErrNotConfigured {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
}
