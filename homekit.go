package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/carlmjohnson/versioninfo"
)

const maxTemperature = 500

type HomeKit struct {
	pctx   context.Context
	dir    string
	addr   string
	name   string
	serial string

	mu           sync.Mutex
	model        string
	printer      *PrinterAccessory
	server       *hap.Server
	cancelServer func()
	serverDone   chan struct{}
	logger       *slog.Logger

	// serve runs a server until ctx is done; nil means ListenAndServe.
	serve func(ctx context.Context, s *hap.Server) error
}

// PrinterAccessory is the HomeKit view of the printer. Every service carries a
// StatusActive characteristic mirroring snapshot availability.
type PrinterAccessory struct {
	A *accessory.A

	Chamber     *service.TemperatureSensor
	BuildHead   *service.TemperatureSensor
	SupportHead *service.TemperatureSensor
	Door        *service.ContactSensor
	Building    *service.OccupancySensor

	active []*characteristic.StatusActive
}

func (h *HomeKit) Init(ctx context.Context, dir string) error {
	h.pctx = ctx
	h.dir = dir

	h.server = nil
	h.cancelServer = nil
	h.serverDone = nil

	if h.serve == nil {
		h.serve = func(ctx context.Context, s *hap.Server) error {
			return s.ListenAndServe(ctx)
		}
	}

	return nil
}

func NewPrinterAccessory(name, model, serial string) *PrinterAccessory {
	acc := accessory.New(accessory.Info{
		Name:         name,
		SerialNumber: serial,
		Manufacturer: Manufacturer,
		Model:        model,
		Firmware:     versioninfo.Version,
	}, accessory.TypeSensor)
	acc.Id = 2

	p := &PrinterAccessory{A: acc}
	id := uint64(10)

	addService := func(s *service.S, label string) {
		s.Id = id
		id++

		n := characteristic.NewName()
		n.SetValue(label)
		s.AddC(n.C)

		a := characteristic.NewStatusActive()
		a.SetValue(false)
		s.AddC(a.C)
		p.active = append(p.active, a)

		acc.AddS(s)
	}

	newTemp := func(label string) *service.TemperatureSensor {
		s := service.NewTemperatureSensor()
		s.CurrentTemperature.SetMaxValue(maxTemperature)
		addService(s.S, label)
		return s
	}

	p.Chamber = newTemp("Chamber")
	p.BuildHead = newTemp("Build Head")
	p.SupportHead = newTemp("Support Head")

	p.Door = service.NewContactSensor()
	addService(p.Door.S, "Door")

	p.Building = service.NewOccupancySensor()
	addService(p.Building.S, "Building")

	return p
}

// Update copies snapshot values onto the HomeKit characteristics. Values the
// printer did not report are left untouched and the services go inactive.
func (p *PrinterAccessory) Update(snap Snapshot) {
	for _, a := range p.active {
		a.SetValue(snap.Online)
	}

	if !snap.Online {
		return
	}

	mariner := snap.Status.Section("mariner")

	for s, key := range map[*service.TemperatureSensor]string{
		p.Chamber:     "buildChamberTemp",
		p.BuildHead:   "buildHeadTemp",
		p.SupportHead: "buildSuptTemp",
	} {
		if v, ok := mariner.Float(key); ok {
			s.CurrentTemperature.SetValue(v)
		}
	}

	if open, ok := mariner.Bool("doorOpen"); ok {
		if open {
			p.Door.ContactSensorState.SetValue(characteristic.ContactSensorStateContactNotDetected)
		} else {
			p.Door.ContactSensorState.SetValue(characteristic.ContactSensorStateContactDetected)
		}
	}

	if status, ok := snap.Status.Section("general").String("modelerStatus"); ok {
		if status == "building" {
			p.Building.OccupancyDetected.SetValue(1)
		} else {
			p.Building.OccupancyDetected.SetValue(0)
		}
	}
}

func (h *HomeKit) constructServer(p *PrinterAccessory) *hap.Server {
	fs := hap.NewFsStore(h.dir)

	bridge := accessory.NewBridge(accessory.Info{
		Name:         "Stratasys Bridge",
		SerialNumber: "1",
		Manufacturer: "stratasysbridge",
		Model:        "Stratasys Bridge",
		Firmware:     versioninfo.Version,
	})

	server, err := hap.NewServer(fs, bridge.A, p.A)
	if err != nil {
		h.logger.Error("Failed to construct new HomeKit server.", "err", err)
		return nil
	}

	if h.addr != "" {
		server.Addr = h.addr
	}

	d, err := fs.Get("serverPin")
	pin := string(d)

	if err != nil {
		var invalidPins []string

		for invalid := range hap.InvalidPins {
			invalidPins = append(invalidPins, invalid)
		}

	makePin:
		for {
			pin = fmt.Sprintf("%08d", rand.Intn(99999999))

			if !slices.Contains(invalidPins, pin) {
				if err := fs.Set("serverPin", []byte(pin)); err != nil {
					h.logger.Error("Failed to persist HomeKit pin.", "err", err)
				}
				break makePin
			}
		}
	}

	server.Pin = pin

	return server
}

// Publish updates the accessory, (re)starting the HomeKit server when the
// printer model first becomes known or changes.
func (h *HomeKit) Publish(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if snap.Online && (h.printer == nil || h.model != snap.Model()) {
		h.model = snap.Model()
		h.restart()
	}

	if h.printer != nil {
		h.printer.Update(snap)
	}
}

func (h *HomeKit) restart() {
	if h.server != nil {
		h.logger.Info("Stopping existing HomeKit server.")
		h.cancelServer()
		// The old listener must be released before the new server binds h.addr.
		<-h.serverDone
		h.server = nil
	}

	h.printer = NewPrinterAccessory(h.name, h.model, h.serial)
	h.server = h.constructServer(h.printer)
	if h.server == nil {
		return
	}

	h.logger.Info("Starting new HomeKit server.", "pin", h.server.Pin, "model", h.model)

	ctx, cancel := context.WithCancel(h.pctx)
	done := make(chan struct{})
	h.cancelServer = cancel
	h.serverDone = done

	server := h.server
	go func() {
		defer close(done)
		if err := h.serve(ctx, server); err != nil && ctx.Err() == nil {
			h.logger.Error("Failed to start HomeKit server.", "err", err)
		}
	}()
}
