package command

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/eddielth/sensor-agent/logger"
	"github.com/eddielth/sensor-agent/sampler"
)

// ScriptConfig locates the command script. Code takes precedence over Path.
type ScriptConfig struct {
	Path string
	Code string
}

// Script is a compiled command script exposing handle(cmd).
type Script struct {
	name string

	mu     sync.Mutex
	vm     *goja.Runtime
	handle goja.Callable
}

// NewScript compiles the script. It returns nil, nil when cfg is empty.
func NewScript(cfg ScriptConfig, device Device) (*Script, error) {
	code, name := cfg.Code, "inline"
	if code == "" {
		if cfg.Path == "" {
			return nil, nil
		}
		b, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("command: load script file %s: %w", cfg.Path, err)
		}
		code, name = string(b), cfg.Path
	}

	vm := goja.New()
	installHelpers(vm, device)

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("command: run script %s: %w", name, err)
	}

	fn, ok := goja.AssertFunction(vm.Get("handle"))
	if !ok {
		return nil, fmt.Errorf("command: script %s does not define a 'handle' function", name)
	}

	return &Script{name: name, vm: vm, handle: fn}, nil
}

func installHelpers(vm *goja.Runtime, device Device) {
	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("command: script parseJSON: %v", err)
			return nil
		}
		return data
	})

	_ = vm.Set("status", func() map[string]interface{} {
		return device.Status()
	})

	_ = vm.Set("sample", func() (map[string]interface{}, error) {
		return device.SampleNow()
	})

	// temperature(mv) applies the sensor transfer curve; out-of-domain
	// input throws.
	_ = vm.Set("temperature", func(mv int) (float64, error) {
		return sampler.Temperature(mv)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit, toUnit string) float64 {
		var celsius float64
		switch strings.ToUpper(fromUnit) {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}
		switch strings.ToUpper(toUnit) {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("validateRange", func(value, min, max float64) bool {
		return value >= min && value <= max
	})
}

func (s *Script) Name() string { return s.name }

// Handle calls handle(cmd) and exports its return value.
func (s *Script) Handle(req Request) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arg := map[string]interface{}{
		"id":   req.ID,
		"cmd":  req.Cmd,
		"args": req.Args,
	}
	v, err := s.handle(goja.Undefined(), s.vm.ToValue(arg))
	if err != nil {
		return nil, fmt.Errorf("command: script %s: %w", s.name, err)
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}
