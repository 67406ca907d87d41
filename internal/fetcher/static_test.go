package fetcher

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/andybalholm/brotli"
)

func TestDecodeBody(t *testing.T) {
	plain := []byte("<html><a href='/ship.aspx?1'>MV A</a></html>")

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(plain)
	gw.Close()

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	bw.Write(plain)
	bw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
		want     []byte
	}{
		{"gzip解压", "gzip", gz.Bytes(), plain},
		{"brotli解压", "br", br.Bytes(), plain},
		{"无压缩原样返回", "", plain, plain},
		{"未知编码原样返回", "zstd", plain, plain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeBody(tt.encoding, tt.body)
			if err != nil {
				t.Fatalf("decodeBody() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("decodeBody() = %q, 期望 %q", got, tt.want)
			}
		})
	}
}

func TestDecodeBody_CorruptGzip(t *testing.T) {
	if _, err := decodeBody("gzip", []byte("not gzip")); err == nil {
		t.Error("损坏的gzip数据应返回错误")
	}
}

func TestResourceMonitor_CapWorkers(t *testing.T) {
	rm := NewResourceMonitor(ResourceMonitorConfig{
		SafetyReserveMemory: 0,
		CPULoadThreshold:    200,
		MaxSessionsLimit:    4,
		SessionMemoryUsage:  1,
	})

	if got := rm.CapWorkers(100); got > 4 {
		t.Errorf("CapWorkers(100) = %d, 不应超过绝对上限 4", got)
	}
	if got := rm.CapWorkers(0); got != 1 {
		t.Errorf("CapWorkers(0) = %d, 期望 1", got)
	}
	if got := rm.CapWorkers(2); got < 1 || got > 2 {
		t.Errorf("CapWorkers(2) = %d, 期望 1-2 之间", got)
	}
}
