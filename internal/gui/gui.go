/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

// Package gui is the filter's control window: listener address and port,
// start and stop buttons, and a pitch slider that tracks the HTTP endpoint.
package gui

import (
	"fmt"
	"strconv"
	"strings"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/data/binding"
	"fyne.io/fyne/v2/widget"
	"github.com/rs/zerolog"

	"github.com/intermernet/pitchfilter/internal/filter"
	"github.com/intermernet/pitchfilter/internal/stretcher"
)

// Controller is the part of a filter the window drives.
type Controller interface {
	Settings() filter.Settings
	Configure(filter.Settings)
	StartListener() error
	StopListener() error
	Listening() bool
	ListenAddr() string
	SetPitchRatio(float64) (float64, error)
	PitchRatio() float64
	SetPitchObserver(func(float64))
}

// Panel holds the widgets bound to one Controller.
type Panel struct {
	ctrl Controller
	log  zerolog.Logger

	Addr   *widget.Entry
	Port   *widget.Entry
	Start  *widget.Button
	Stop   *widget.Button
	Status *widget.Label
	Pitch  binding.Float
	Slider *widget.Slider

	// OnSettingsChanged is called when Start applies new listener settings.
	OnSettingsChanged func(filter.Settings) error
}

// NewPanel builds the widgets and registers a pitch observer on ctrl so
// changes made over HTTP move the slider.
func NewPanel(ctrl Controller, log zerolog.Logger) *Panel {
	p := &Panel{ctrl: ctrl, log: log}
	s := ctrl.Settings()

	p.Addr = widget.NewEntry()
	p.Addr.SetText(s.Addr)
	p.Port = widget.NewEntry()
	p.Port.SetText(strconv.Itoa(int(s.Port)))

	p.Start = widget.NewButton("Start Listener", p.startListener)
	p.Stop = widget.NewButton("Stop Listener", p.stopListener)
	p.Status = widget.NewLabel("")

	// Pitch slider
	p.Pitch = binding.NewFloat()
	_ = p.Pitch.Set(ctrl.PitchRatio())
	p.Slider = widget.NewSliderWithData(stretcher.MinPitchRatio, stretcher.MaxPitchRatio, p.Pitch)
	// A stepped slider rounds every value it is given and writes the rounded
	// value back into the binding, which would overwrite ratios set over HTTP.
	p.Slider.Step = 0
	p.Pitch.AddListener(binding.NewDataListener(p.applyPitch))
	ctrl.SetPitchObserver(func(v float64) { _ = p.Pitch.Set(v) })

	p.refresh()
	return p
}

// Content lays the panel out for a window.
func (p *Panel) Content() fyne.CanvasObject {
	form := widget.NewForm(
		widget.NewFormItem("Listen Address", p.Addr),
		widget.NewFormItem("Web Port", p.Port),
	)
	return container.NewVBox(
		form,
		container.NewHBox(p.Start, p.Stop),
		p.Status,
		widget.NewLabelWithData(binding.FloatToStringWithFormat(p.Pitch, "Pitch = %0.2f")),
		p.Slider,
	)
}

// Detach removes the pitch observer from the controller.
func (p *Panel) Detach() {
	p.ctrl.SetPitchObserver(nil)
}

func (p *Panel) applyPitch() {
	v, err := p.Pitch.Get()
	if err != nil || v == p.ctrl.PitchRatio() {
		return
	}
	applied, err := p.ctrl.SetPitchRatio(v)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to set pitch")
		return
	}
	p.log.Debug().Float64("pitch", applied).Msg("pitch set from slider")
}

func (p *Panel) startListener() {
	addr := strings.TrimSpace(p.Addr.Text)
	port, err := strconv.ParseUint(strings.TrimSpace(p.Port.Text), 10, 16)
	if addr == "" || err != nil {
		p.Status.SetText(fmt.Sprintf("Invalid address or port: %q:%q", p.Addr.Text, p.Port.Text))
		return
	}

	s := filter.Settings{Addr: addr, Port: uint16(port)}
	if s != p.ctrl.Settings() {
		p.ctrl.Configure(s)
		if p.OnSettingsChanged != nil {
			if err := p.OnSettingsChanged(s); err != nil {
				p.log.Warn().Err(err).Msg("failed to save listener settings")
			}
		}
	}

	if err := p.ctrl.StartListener(); err != nil {
		p.refresh()
		p.Status.SetText("Error: " + err.Error())
		return
	}
	p.refresh()
}

func (p *Panel) stopListener() {
	if err := p.ctrl.StopListener(); err != nil {
		p.log.Warn().Err(err).Msg("listener did not stop cleanly")
	}
	p.refresh()
}

func (p *Panel) refresh() {
	if p.ctrl.Listening() {
		p.Status.SetText("Listening on " + p.ctrl.ListenAddr())
		p.Start.Disable()
		p.Stop.Enable()
		p.Addr.Disable()
		p.Port.Disable()
		return
	}
	p.Status.SetText("Listener stopped")
	p.Start.Enable()
	p.Stop.Disable()
	p.Addr.Enable()
	p.Port.Enable()
}

// NewWindow returns a window showing p.
func NewWindow(a fyne.App, p *Panel) fyne.Window {
	w := a.NewWindow(filter.Name)
	w.SetTitle(filter.Name)
	w.Resize(fyne.NewSize(800, 200))
	w.SetContent(p.Content())
	return w
}
