package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ardnew/softprobe/device/hal"
	"github.com/ardnew/softprobe/pkg"
)

type eventKind uint8

const (
	eventXfer eventKind = iota
	eventSetup
	eventReset
	eventCall
)

// event is one unit of work for the event goroutine.
type event struct {
	kind   eventKind
	gen    uint32
	ep     uint8
	status pkg.TransferStatus
	n      uint32
	setup  SetupPacket
	fn     func()
}

// controlReply records a driver's answer to the request being handled.
type controlReply struct {
	active  bool
	replied bool
	data    []byte
}

// Stack dispatches USB events to class drivers.
//
// Transfers run on their own goroutines against the HAL, but every
// completion, SETUP packet and bus reset is delivered on a single event
// goroutine. Class drivers therefore never see two callbacks at once and
// need no locks for state only touched from callbacks.
type Stack struct {
	hal     hal.DeviceHAL
	port    uint8
	desc    Descriptors
	drivers []ClassDriver

	// Owned by the event goroutine.
	epOwner  [MaxEndpointAddresses]ClassDriver
	itfOwner [MaxInterfaces]ClassDriver
	opening  ClassDriver
	opened   []hal.EndpointConfig
	active   []ClassDriver
	config   uint8
	reply    controlReply

	busy       [MaxEndpointAddresses]atomic.Bool
	gen        atomic.Uint32
	configured atomic.Bool

	events chan event

	// State
	running bool
	mutex   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Reusable buffers for EP0.
	ep0Buf  [MaxControlDataSize]byte
	descBuf [256]byte
}

// NewStack creates a device stack serving desc and dispatching to drivers.
func NewStack(h hal.DeviceHAL, desc Descriptors, drivers ...ClassDriver) *Stack {
	return &Stack{
		hal:     h,
		desc:    desc,
		drivers: drivers,
		events:  make(chan event, EventQueueSize),
	}
}

// Register adds drivers constructed against the stack itself. It fails once
// the stack is running.
func (s *Stack) Register(drivers ...ClassDriver) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return pkg.ErrAlreadyRunning
	}
	s.drivers = append(s.drivers, drivers...)
	return nil
}

// Start initializes the drivers and the HAL and starts the event goroutine.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mutex.Unlock()

	for _, d := range s.drivers {
		d.Init()
	}

	if err := s.hal.Init(s.ctx); err != nil {
		s.cancel()
		return errors.Wrap(err, "hal init")
	}
	if err := s.hal.Start(); err != nil {
		s.cancel()
		return errors.Wrap(err, "hal start")
	}

	s.mutex.Lock()
	s.running = true
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentStack, "device stack started",
		"drivers", len(s.drivers))

	go s.eventLoop(s.ctx, s.done)
	go s.controlLoop(s.ctx)

	return nil
}

// Stop stops the event goroutine and detaches the HAL. No driver callback
// runs after Stop returns.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mutex.Unlock()

	<-done
	s.configured.Store(false)

	if err := s.hal.Stop(); err != nil {
		return errors.Wrap(err, "hal stop")
	}
	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// IsConfigured returns true once the host has selected a configuration.
func (s *Stack) IsConfigured() bool {
	return s.configured.Load()
}

// Speed returns the negotiated USB connection speed.
func (s *Stack) Speed() hal.Speed {
	return s.hal.GetSpeed()
}

// Reset schedules a bus reset on the event goroutine.
func (s *Stack) Reset() bool {
	return s.post(event{kind: eventReset})
}

// Defer runs fn on the event goroutine. It never blocks and returns false if
// the event queue is full or the stack is stopped.
func (s *Stack) Defer(fn func()) bool {
	select {
	case s.events <- event{kind: eventCall, fn: fn}:
		return true
	default:
		return false
	}
}

func (s *Stack) context() context.Context {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// post queues ev, blocking until there is room or the stack stops.
func (s *Stack) post(ev event) bool {
	ctx := s.context()
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stack) eventLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// controlLoop reads SETUP packets and bus resets from the HAL and forwards
// them to the event goroutine.
func (s *Stack) controlLoop(ctx context.Context) {
	var raw hal.SetupPacket
	for {
		if err := s.hal.ReadSetup(ctx, &raw); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, pkg.ErrReset) {
				s.post(event{kind: eventReset})
				continue
			}
			pkg.LogWarn(pkg.ComponentStack, "error reading setup",
				"error", err)
			continue
		}

		s.post(event{kind: eventSetup, setup: SetupPacket(raw)})
	}
}

func (s *Stack) dispatch(ev event) {
	switch ev.kind {
	case eventXfer:
		s.completeXfer(ev)
	case eventSetup:
		s.handleSetup(&ev.setup)
	case eventReset:
		s.busReset()
	case eventCall:
		ev.fn()
	}
}

func (s *Stack) completeXfer(ev event) {
	if ev.gen != s.gen.Load() {
		pkg.LogDebug(pkg.ComponentStack, "dropping stale completion",
			"endpoint", fmt.Sprintf("0x%02X", ev.ep))
		return
	}
	idx := EndpointIndex(ev.ep)
	s.busy[idx].Store(false)

	owner := s.epOwner[idx]
	if owner == nil {
		return
	}
	if !owner.XferComplete(s.port, ev.ep, ev.status, ev.n) {
		pkg.LogDebug(pkg.ComponentStack, "completion rejected by driver",
			"endpoint", fmt.Sprintf("0x%02X", ev.ep),
			"status", ev.status.String(),
			"length", ev.n)
	}
}

// busReset returns every driver to its closed state and invalidates all
// outstanding transfers.
func (s *Stack) busReset() {
	pkg.LogDebug(pkg.ComponentStack, "bus reset")
	s.deconfigure()
}

func (s *Stack) deconfigure() {
	s.gen.Add(1)
	s.configured.Store(false)
	for i := range s.busy {
		s.busy[i].Store(false)
	}
	for _, d := range s.drivers {
		d.Reset(s.port)
	}
	s.epOwner = [MaxEndpointAddresses]ClassDriver{}
	s.itfOwner = [MaxInterfaces]ClassDriver{}
	s.config = 0
	if err := s.hal.ConfigureEndpoints(nil); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error disabling endpoints",
			"error", err)
	}
}

// Configure activates configuration value, offering every interface in the
// configuration descriptor to the drivers. It must run on the event
// goroutine; the SET_CONFIGURATION handler and [Stack.Defer] callers do.
func (s *Stack) Configure(value uint8) error {
	if s.config != 0 {
		s.deconfigure()
	}
	if value == 0 {
		return nil
	}

	cfg := s.desc.Configuration
	if len(cfg) < ConfigurationDescriptorSize || DescriptorKind(cfg) != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTooShort
	}
	if cfg[5] != value {
		return pkg.ErrInvalidRequest
	}
	total := int(binary.LittleEndian.Uint16(cfg[2:4]))
	if total > len(cfg) {
		total = len(cfg)
	}

	s.opened = s.opened[:0]
	s.active = s.active[:0]
	desc := cfg[ConfigurationDescriptorSize:total]
	for len(desc) > 0 {
		if DescriptorKind(desc) != DescriptorTypeInterface {
			desc = NextDescriptor(desc)
			continue
		}
		n := s.openInterface(desc)
		if n == 0 {
			pkg.LogWarn(pkg.ComponentStack, "no driver for interface",
				"interface", desc[2])
			desc = NextDescriptor(desc)
			continue
		}
		desc = desc[n:]
	}

	if err := s.hal.ConfigureEndpoints(s.opened); err != nil {
		return errors.Wrap(err, "configure endpoints")
	}
	s.config = value
	s.configured.Store(true)

	for _, d := range s.active {
		if a, ok := d.(Activator); ok {
			a.Activate(s.port)
		}
	}

	pkg.LogInfo(pkg.ComponentStack, "device configured",
		"config", value,
		"endpoints", len(s.opened))
	return nil
}

// openInterface offers desc to each driver in turn and binds the interfaces
// of the first driver that claims it. It returns the bytes consumed.
func (s *Stack) openInterface(desc []byte) int {
	for _, d := range s.drivers {
		s.opening = d
		n := int(d.Open(s.port, desc))
		s.opening = nil
		if n == 0 {
			continue
		}
		if n > len(desc) {
			n = len(desc)
		}
		for claimed := desc[:n]; len(claimed) > 0; claimed = NextDescriptor(claimed) {
			if DescriptorKind(claimed) == DescriptorTypeInterface && len(claimed) > 2 &&
				int(claimed[2]) < MaxInterfaces {
				s.itfOwner[claimed[2]] = d
			}
		}
		if !slices.Contains(s.active, d) {
			s.active = append(s.active, d)
		}
		return n
	}
	return 0
}

// OpenEndpoint implements [Bus].
func (s *Stack) OpenEndpoint(port uint8, desc *EndpointDescriptor) bool {
	if s.opening == nil {
		return false
	}
	s.epOwner[EndpointIndex(desc.EndpointAddress)] = s.opening
	s.opened = append(s.opened, hal.EndpointConfig{
		Address:       desc.EndpointAddress,
		Attributes:    desc.Attributes,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	})
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint opened",
		"address", fmt.Sprintf("0x%02X", desc.EndpointAddress),
		"type", TransferTypeName(desc.Attributes),
		"mps", desc.MaxPacketSize)
	return true
}

// Xfer implements [Bus].
func (s *Stack) Xfer(port, ep uint8, buf []byte) bool {
	if !s.configured.Load() {
		return false
	}
	gen := s.gen.Load()
	idx := EndpointIndex(ep)
	if !s.busy[idx].CompareAndSwap(false, true) {
		return false
	}
	go s.runXfer(s.context(), gen, ep, buf)
	return true
}

func (s *Stack) runXfer(ctx context.Context, gen uint32, ep uint8, buf []byte) {
	var n int
	var err error
	if ep&EndpointDirectionIn != 0 {
		n, err = s.hal.Write(ctx, ep, buf)
	} else {
		n, err = s.hal.Read(ctx, ep, buf)
	}
	if n < 0 {
		n = 0
	}
	s.post(event{
		kind:   eventXfer,
		gen:    gen,
		ep:     ep,
		status: pkg.StatusOf(err),
		n:      uint32(n),
	})
}

// Busy implements [Bus].
func (s *Stack) Busy(port, ep uint8) bool {
	return s.busy[EndpointIndex(ep)].Load()
}

// ControlReply implements [Bus].
func (s *Stack) ControlReply(port uint8, setup *SetupPacket, data []byte) bool {
	if !s.reply.active {
		return false
	}
	s.reply.replied = true
	s.reply.data = data
	return true
}

func (s *Stack) handleSetup(setup *SetupPacket) {
	pkg.LogDebug(pkg.ComponentStack, "setup received",
		"request", setup.String())

	var err error
	switch {
	case setup.IsStandard() && setup.Recipient() == RequestRecipientDevice:
		err = s.handleDeviceRequest(setup)
	case setup.IsInterfaceRecipient():
		err = s.handleInterfaceRequest(setup)
	default:
		err = pkg.ErrInvalidRequest
	}

	if err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error handling setup",
			"error", err,
			"request", setup.String())
		if serr := s.hal.StallEP0(); serr != nil {
			pkg.LogWarn(pkg.ComponentStack, "error stalling EP0",
				"error", serr)
		}
	}
}

func (s *Stack) handleDeviceRequest(setup *SetupPacket) error {
	switch setup.Request {
	case RequestSetAddress:
		if err := s.hal.AckEP0(); err != nil {
			return err
		}
		return s.hal.SetAddress(uint8(setup.Value))

	case RequestGetDescriptor:
		data := s.descriptor(setup)
		if data == nil {
			return pkg.ErrInvalidRequest
		}
		return s.completeControl(nil, setup, controlReply{replied: true, data: data})

	case RequestSetConfiguration:
		if err := s.Configure(uint8(setup.Value)); err != nil {
			return err
		}
		return s.completeControl(nil, setup, controlReply{})

	case RequestGetConfiguration:
		s.ep0Buf[0] = s.config
		return s.completeControl(nil, setup, controlReply{replied: true, data: s.ep0Buf[:1]})

	default:
		return pkg.ErrInvalidRequest
	}
}

func (s *Stack) descriptor(setup *SetupPacket) []byte {
	index := uint8(setup.Value)
	switch uint8(setup.Value >> 8) {
	case DescriptorTypeDevice:
		return s.desc.Device
	case DescriptorTypeConfiguration:
		return s.desc.Configuration
	case DescriptorTypeString:
		if index == 0 {
			binary.LittleEndian.PutUint16(s.descBuf[2:4], LangIDUSEnglish)
			s.descBuf[0] = 4
			s.descBuf[1] = DescriptorTypeString
			return s.descBuf[:4]
		}
		if int(index) > len(s.desc.Strings) {
			return nil
		}
		n := StringDescriptorTo(s.descBuf[:], s.desc.Strings[index-1])
		return s.descBuf[:n]
	default:
		return nil
	}
}

func (s *Stack) handleInterfaceRequest(setup *SetupPacket) error {
	num := setup.InterfaceNumber()
	if int(num) >= MaxInterfaces || s.itfOwner[num] == nil {
		return pkg.ErrInvalidRequest
	}
	d := s.itfOwner[num]

	s.reply = controlReply{active: true}
	handled := d.ControlTransfer(s.port, StageSetup, setup)
	reply := s.reply
	s.reply = controlReply{}

	if !handled {
		// Interfaces without alternate settings need no driver support
		// for the standard interface requests.
		switch {
		case setup.IsStandard() && setup.Request == RequestSetInterface && setup.Value == 0:
			return s.completeControl(nil, setup, controlReply{})
		case setup.IsStandard() && setup.Request == RequestGetInterface:
			s.ep0Buf[0] = 0
			return s.completeControl(nil, setup, controlReply{replied: true, data: s.ep0Buf[:1]})
		}
		return pkg.ErrInvalidRequest
	}
	return s.completeControl(d, setup, reply)
}

// completeControl runs the data and status stages of a control transfer,
// reporting StageData and StageAck to d when it is non-nil.
func (s *Stack) completeControl(d ClassDriver, setup *SetupPacket, reply controlReply) error {
	ctx := s.context()

	if setup.IsDeviceToHost() {
		data := reply.data
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		if err := s.hal.WriteEP0(ctx, data); err != nil {
			return err
		}
		if _, err := s.hal.ReadEP0(ctx, s.ep0Buf[:0]); err != nil {
			return err
		}
	} else {
		if setup.Length > 0 {
			buf := s.ep0Buf[:]
			if reply.replied && reply.data != nil {
				buf = reply.data
			}
			if len(buf) > int(setup.Length) {
				buf = buf[:setup.Length]
			}
			if _, err := s.hal.ReadEP0(ctx, buf); err != nil {
				return err
			}
			if d != nil && !d.ControlTransfer(s.port, StageData, setup) {
				return pkg.ErrInvalidRequest
			}
		}
		if err := s.hal.AckEP0(); err != nil {
			return err
		}
	}

	if d != nil {
		d.ControlTransfer(s.port, StageAck, setup)
	}
	return nil
}

// Compile-time interface check
var (
	_ Bus      = (*Stack)(nil)
	_ Deferrer = (*Stack)(nil)
)
