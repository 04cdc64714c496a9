// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tinywire

// Plugin is a pure payload transform applied on the outbound and inbound
// path of a Connection. Either method may change the payload length
// arbitrarily, provided the result stays within MaxMessageSize.
type Plugin interface {
	// OnTransmit runs on the outbound path, before the payload is framed.
	OnTransmit(payload []byte) ([]byte, error)
	// OnReceive runs on the inbound path, after the payload is read off the wire.
	OnReceive(payload []byte) ([]byte, error)
}

// PluginProvider is either an already-constructed Plugin or a constructor
// to be invoked once when the Connection is built: a statically typed
// tagged variant over "build me one" vs. "here's one already".
type PluginProvider struct {
	instance    Plugin
	constructor func() Plugin
}

// NewPluginInstance wraps an already-constructed Plugin for registration.
func NewPluginInstance(p Plugin) PluginProvider {
	return PluginProvider{instance: p}
}

// NewPluginFactory wraps a zero-argument constructor invoked once for each
// Connection built with this provider, when that Connection resolves its
// plugin list.
func NewPluginFactory(ctor func() Plugin) PluginProvider {
	return PluginProvider{constructor: ctor}
}

func (p PluginProvider) build() Plugin {
	if p.constructor != nil {
		return p.constructor()
	}
	return p.instance
}

// resolvePlugins materializes a plugin list from their providers, invoking
// each factory exactly once. Duplicates are allowed: callers may register
// the same provider more than once.
func resolvePlugins(providers []PluginProvider) []Plugin {
	plugins := make([]Plugin, 0, len(providers))
	for _, provider := range providers {
		plugins = append(plugins, provider.build())
	}
	return plugins
}

// applyTransmitPipeline runs OnTransmit of plugins[0], plugins[1], ...,
// plugins[N-1] in order.
func applyTransmitPipeline(plugins []Plugin, payload []byte) ([]byte, error) {
	var err error
	for _, p := range plugins {
		payload, err = p.OnTransmit(payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// applyReceivePipeline runs OnReceive of plugins[N-1], plugins[N-2], ...,
// plugins[0] in order — the exact reverse of transmit, which is what makes
// symmetric encoders (e.g. compress-then-encrypt outbound /
// decrypt-then-decompress inbound) compose correctly.
func applyReceivePipeline(plugins []Plugin, payload []byte) ([]byte, error) {
	var err error
	for i := len(plugins) - 1; i >= 0; i-- {
		payload, err = plugins[i].OnReceive(payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}
