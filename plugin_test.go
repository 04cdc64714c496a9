// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

import (
	"errors"
	"testing"
)

// tagPlugin appends its tag on transmit and strips it on receive, so a
// pipeline of tagPlugins lets tests assert both traversal order and
// transmit/receive symmetry.
type tagPlugin struct{ tag byte }

func (p tagPlugin) OnTransmit(payload []byte) ([]byte, error) {
	return append(payload, p.tag), nil
}

func (p tagPlugin) OnReceive(payload []byte) ([]byte, error) {
	if len(payload) == 0 || payload[len(payload)-1] != p.tag {
		return nil, errors.New("tagPlugin: missing or mismatched tag")
	}
	return payload[:len(payload)-1], nil
}

func TestPluginPipelineRoundTrip(t *testing.T) {
	plugins := []Plugin{tagPlugin{tag: 'A'}, tagPlugin{tag: 'B'}, tagPlugin{tag: 'C'}}

	original := []byte("payload")
	out, err := applyTransmitPipeline(plugins, original)
	if err != nil {
		t.Fatalf("applyTransmitPipeline: %v", err)
	}
	want := append(append([]byte("payload"), 'A'), 'B', 'C')
	if string(out) != string(want) {
		t.Fatalf("transmit order: got %q, want %q", out, want)
	}

	back, err := applyReceivePipeline(plugins, out)
	if err != nil {
		t.Fatalf("applyReceivePipeline: %v", err)
	}
	if string(back) != string(original) {
		t.Errorf("round trip: got %q, want %q", back, original)
	}
}

func TestPluginPipelineTransmitErrorShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	plugins := []Plugin{
		tagPlugin{tag: 'A'},
		failingPlugin{err: boom},
		tagPlugin{tag: 'C'}, // must never run
	}
	_, err := applyTransmitPipeline(plugins, []byte("x"))
	if !errors.Is(err, boom) {
		t.Fatalf("applyTransmitPipeline err = %v, want %v", err, boom)
	}
}

type failingPlugin struct{ err error }

func (p failingPlugin) OnTransmit([]byte) ([]byte, error) { return nil, p.err }
func (p failingPlugin) OnReceive([]byte) ([]byte, error)  { return nil, p.err }

func TestPluginProviderInstanceVsFactory(t *testing.T) {
	inst := tagPlugin{tag: 'X'}
	providerInst := NewPluginInstance(inst)
	if got := providerInst.build(); got != inst {
		t.Errorf("instance provider returned %v, want %v", got, inst)
	}

	calls := 0
	providerFactory := NewPluginFactory(func() Plugin {
		calls++
		return tagPlugin{tag: 'Y'}
	})
	resolved := resolvePlugins([]PluginProvider{providerFactory, providerFactory})
	if calls != 2 {
		t.Errorf("factory invoked %d times, want 2 (once per resolved provider)", calls)
	}
	if len(resolved) != 2 {
		t.Fatalf("resolvePlugins returned %d plugins, want 2", len(resolved))
	}
}
