package transformer

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/logger"
)

// ScriptExtensions holds per device-model JS transforms that derive extension metrics
// from the raw readings object. Model names match case-insensitively since config keys are lowercased.
type ScriptExtensions struct {
	scripts map[string]*Script
	mutex   sync.RWMutex
}

// Script is one compiled transform. A goja runtime is single-threaded, so calls are serialized.
type Script struct {
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
	mu         sync.Mutex
}

// NewScriptExtensions compiles a script for every configured device model
func NewScriptExtensions(configs map[string]config.Script) (*ScriptExtensions, error) {
	ext := &ScriptExtensions{
		scripts: make(map[string]*Script, len(configs)),
	}

	for model, cfg := range configs {
		script, err := loadScript(cfg)
		if err != nil {
			return nil, fmt.Errorf("script for model %s: %w", model, err)
		}
		ext.scripts[strings.ToLower(model)] = script
		logger.Info("loaded extension script for model %s", model)
	}

	return ext, nil
}

func loadScript(cfg config.Script) (*Script, error) {
	scriptCode := cfg.ScriptCode
	if scriptCode == "" {
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("neither script_code nor script_path given")
		}
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("read script file %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	}
	return newScript(scriptCode, cfg.ScriptPath)
}

func newScript(scriptCode, scriptPath string) (*Script, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Debug("[JS] %s", msg)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		return convertTemperature(value, fromUnit, toUnit)
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("run script: %w", err)
	}

	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, fmt.Errorf("script does not define 'transform'")
	}

	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, fmt.Errorf("'transform' is not a function")
	}

	return &Script{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

// Has reports whether a script is configured for model
func (e *ScriptExtensions) Has(model string) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	_, ok := e.scripts[strings.ToLower(model)]
	return ok
}

// Apply runs the model's transform over readings. Models without a script yield no metrics.
// Non-numeric or non-finite results are skipped.
func (e *ScriptExtensions) Apply(model string, readings map[string]interface{}) (map[string]float64, error) {
	e.mutex.RLock()
	script, exists := e.scripts[strings.ToLower(model)]
	e.mutex.RUnlock()

	if !exists {
		return nil, nil
	}

	script.mu.Lock()
	result, err := script.transform(goja.Undefined(), script.vm.ToValue(readings))
	var exported interface{}
	if err == nil {
		exported = result.Export()
	}
	script.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("run transform for model %s: %w", model, err)
	}

	if exported == nil {
		return nil, nil
	}

	obj, ok := exported.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transform for model %s returned %T, want object", model, exported)
	}

	metrics := make(map[string]float64, len(obj))
	for name, v := range obj {
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		metrics[name] = f
	}
	return metrics, nil
}

// Reload replaces the script set. On error the previous scripts stay active.
func (e *ScriptExtensions) Reload(configs map[string]config.Script) error {
	scripts := make(map[string]*Script, len(configs))
	for model, cfg := range configs {
		script, err := loadScript(cfg)
		if err != nil {
			return fmt.Errorf("script for model %s: %w", model, err)
		}
		scripts[strings.ToLower(model)] = script
	}

	e.mutex.Lock()
	e.scripts = scripts
	e.mutex.Unlock()

	logger.Info("reloaded %d extension scripts", len(scripts))
	return nil
}

func convertTemperature(value float64, fromUnit string, toUnit string) float64 {
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
}
