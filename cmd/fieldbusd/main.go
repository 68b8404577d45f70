// Command fieldbusd is a minimal demonstration binary wiring a
// BusManager, one CanBus per configured interface, and DeviceCanOpen
// devices together from an INI config file.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/simonkerscher/tcan"
	"github.com/simonkerscher/tcan/config"
	"github.com/simonkerscher/tcan/transport/socketcan"
	"github.com/simonkerscher/tcan/transport/virtual"
)

func main() {
	configPath := flag.String("config", "fieldbusd.ini", "path to the bus/device configuration file")
	flag.Parse()

	root, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[FIELDBUSD] failed to load config %s: %v", *configPath, err)
	}

	manager := tcan.NewBusManager()
	buses := make(map[string]*tcan.CanBus, len(root.Buses))

	for _, busOpts := range root.Buses {
		opts := tcan.DefaultBusOptions(busOpts.Name)
		opts.Asynchronous = busOpts.Asynchronous
		opts.StartPassive = busOpts.StartPassive
		opts.ActivateBusOnReception = busOpts.ActivateBusOnReception
		if busOpts.MaxQueueSize > 0 {
			opts.MaxQueueSize = busOpts.MaxQueueSize
		}
		if busOpts.SanityCheckIntervalMs > 0 {
			opts.SanityCheckInterval = time.Duration(busOpts.SanityCheckIntervalMs) * time.Millisecond
		}

		var bus *tcan.CanBus
		switch busOpts.Interface {
		case "socketcan":
			bus = tcan.NewCanBus(opts, socketcan.New(busOpts.Channel))
		case "virtual":
			bus = tcan.NewCanBus(opts, virtual.New(busOpts.Channel, false))
		default:
			log.Fatalf("[FIELDBUSD] unknown interface kind %q for bus %s", busOpts.Interface, busOpts.Name)
		}
		if ok, err := bus.Init(); !ok {
			log.Fatalf("[FIELDBUSD] failed to init bus %s: %v", busOpts.Name, err)
		}
		manager.AddBus(bus)
		buses[busOpts.Name] = bus
	}

	for _, devOpts := range root.Devices {
		bus, ok := buses[devOpts.Bus]
		if !ok {
			log.Fatalf("[FIELDBUSD] device %s references unknown bus %s", devOpts.Name, devOpts.Bus)
		}
		device := &tcan.DeviceCanOpen{
			BaseDevice: tcan.BaseDevice{
				NodeId:                  devOpts.NodeId,
				Name:                    devOpts.Name,
				MaxDeviceTimeoutCounter: devOpts.MaxDeviceTimeoutCounter,
			},
			MaxSdoTimeoutCounter:    devOpts.MaxSdoTimeoutCounter,
			MaxSdoSentCounter:       devOpts.MaxSdoSentCounter,
			ProducerHeartBeatTimeMs: devOpts.ProducerHeartBeatTimeMs,
		}
		if _, ok := bus.AddDevice(device); !ok {
			log.Fatalf("[FIELDBUSD] failed to attach device %s", devOpts.Name)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Infof("[FIELDBUSD] shutting down")
	manager.CloseBuses(true)
}
