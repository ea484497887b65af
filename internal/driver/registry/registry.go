// Package registry 按仪器类型创建驱动
package registry

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/config"
	"github.com/GeoNomad/wizkers/internal/driver"
	"github.com/GeoNomad/wizkers/internal/driver/elecraft"
	"github.com/GeoNomad/wizkers/internal/driver/fcoled"
	"github.com/GeoNomad/wizkers/internal/driver/fluke"
	"github.com/GeoNomad/wizkers/internal/driver/onyx"
	"github.com/GeoNomad/wizkers/internal/driver/w433"
)

// Options 创建驱动所需的上下文
type Options struct {
	Instrument config.InstrumentConfig
	Fluke      config.FlukeConfig
	Logger     *logrus.Entry
}

type constructor func(opts Options) driver.Driver

var constructors = map[string]constructor{
	fluke.Name: func(opts Options) driver.Driver {
		return fluke.New(fluke.OptionsFromConfig(opts.Instrument.ID, opts.Fluke, opts.Logger))
	},
	onyx.Name: func(opts Options) driver.Driver {
		return onyx.New(opts.Logger)
	},
	fcoled.Name: func(opts Options) driver.Driver {
		return fcoled.New(opts.Logger)
	},
	elecraft.Name: func(opts Options) driver.Driver {
		return elecraft.New(opts.Logger)
	},
	w433.Name: func(opts Options) driver.Driver {
		return w433.New(opts.Logger, opts.Instrument.Sensors)
	},
}

// New 创建指定类型的驱动, 未知类型返回错误
func New(name string, opts Options) (driver.Driver, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("registry: 未知驱动类型 %q", name)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return ctor(opts), nil
}

// Names 已注册的驱动类型
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
