/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: coroutine.go
Description: Hand-off between Continue and the goroutine running guest code. Exactly one of
the two runs at any time, so simulator callbacks execute while Continue is blocked.
*/

package machine

import (
	"context"
	"fmt"
)

type yieldKind int

const (
	yieldBreak yieldKind = iota
	yieldCancel
	yieldDone
)

// haltSignal unwinds guest code when the processor halts
type haltSignal struct{}

// abortSignal unwinds guest code when its state is discarded
type abortSignal struct{}

type coroutine struct {
	resume chan bool
	yield  chan yieldKind
}

func (m *Machine) spawn() *coroutine {
	c := &coroutine{resume: make(chan bool), yield: make(chan yieldKind)}
	entry := func(g *Guest) {
		m.prog.Boot(g)
		m.prog.Harness(g)
	}
	if m.restored {
		entry = m.prog.Harness
	}
	g := &Guest{m: m, co: c}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				switch r.(type) {
				case haltSignal, abortSignal:
				default:
					m.guestErr = fmt.Errorf("guest program panicked: %v", r)
				}
			}
			c.yield <- yieldDone
		}()
		if abort := <-c.resume; abort {
			return
		}
		entry(g)
	}()
	return c
}

// resumeGuest runs guest code until it yields
func (m *Machine) resumeGuest(ctx context.Context) yieldKind {
	if m.co == nil {
		m.co = m.spawn()
	}
	m.ctx = ctx
	m.co.resume <- false
	k := <-m.co.yield
	m.ctx = nil
	if k == yieldDone {
		m.co = nil
		m.halted = true
	}
	return k
}

// abortGuest unwinds a suspended guest
func (m *Machine) abortGuest() {
	if m.co == nil {
		return
	}
	m.co.resume <- true
	<-m.co.yield
	m.co = nil
	m.guestErr = nil
}
