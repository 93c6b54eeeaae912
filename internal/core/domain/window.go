// Package domain concentra entidades e estruturas centrais do controle de cotas.
package domain

import (
	"fmt"
	"time"
)

// WindowDuration é o tamanho fixo de uma janela de contabilização.
const WindowDuration = time.Hour

// windowKeyLayout ordena cronologicamente como string simples.
const windowKeyLayout = "2006-01-02T15Z"

type WindowStatus string

const (
	WindowActive    WindowStatus = "active"
	WindowCompleted WindowStatus = "completed"
)

// Window representa uma janela horária alinhada em UTC.
type Window struct {
	Start time.Time
	End   time.Time
	Key   string
	Label string
}

// WindowAt calcula a janela que contém o instante informado. É uma função pura.
func WindowAt(now time.Time) Window {
	start := now.UTC().Truncate(WindowDuration)
	end := start.Add(WindowDuration)
	return Window{
		Start: start,
		End:   end,
		Key:   start.Format(windowKeyLayout),
		Label: fmt.Sprintf("%02d:00–%02d:00 GMT", start.Hour(), end.Hour()),
	}
}

func (w Window) Previous() Window {
	return WindowAt(w.Start.Add(-WindowDuration))
}

func (w Window) Next() Window {
	return WindowAt(w.End)
}

// TTL devolve o tempo restante da janela somado a uma folga, usado como
// expiração dos contadores efêmeros.
func (w Window) TTL(now time.Time, grace time.Duration) time.Duration {
	remaining := w.End.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + grace
}
