// Package factory instantiates pluggable modules from configuration. A
// module is a type name plus raw settings; factories decode the settings
// with Decode and return the implementation.
//
//	reg := factory.NewRegistry[forecast.Provider]()
//	reg.MustRegister("mock", func(conf map[string]any) (forecast.Provider, error) {
//	    var c struct{ Values []float64 `json:"values"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return &forecast.MockProvider{Values: c.Values}, nil
//	})
//	p, err := reg.Create(factory.ModuleConfig{Type: "mock", Conf: map[string]any{"values": []any{1.5}}})
package factory
