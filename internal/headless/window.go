package headless

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"golang.org/x/net/html"
)

const minInterval = 4 * time.Millisecond

// listener is a registered event callback. value identifies it for
// removeEventListener.
type listener struct {
	value *goja.Object
	fn    goja.Callable
}

// window is the global scope of the preview. All of its fields except live,
// stopped and settled are owned by the loop goroutine.
type window struct {
	loop   *eventloop.EventLoop
	page   *goquery.Document
	report *Report
	vm     *goja.Runtime

	live    atomic.Pointer[goja.Runtime]
	stopped atomic.Bool
	settled chan struct{}
	once    sync.Once

	readyState string
	listeners  map[string][]listener
	rejections []*goja.Promise

	nextTimer int64
	timeouts  map[int64]*eventloop.Timer
	intervals map[int64]*eventloop.Interval

	// DOM bridge, see dom.go.
	objects   map[*html.Node]*goja.Object
	nodes     map[*goja.Object]*html.Node
	handlers  map[*html.Node]map[string][]listener
	blockSeen map[string]bool
}

func newWindow(loop *eventloop.EventLoop, page *goquery.Document, report *Report) *window {
	return &window{
		loop:       loop,
		page:       page,
		report:     report,
		settled:    make(chan struct{}),
		readyState: "loading",
		listeners:  make(map[string][]listener),
		timeouts:   make(map[int64]*eventloop.Timer),
		intervals:  make(map[int64]*eventloop.Interval),
		objects:    make(map[*html.Node]*goja.Object),
		nodes:      make(map[*goja.Object]*html.Node),
		handlers:   make(map[*html.Node]map[string][]listener),
		blockSeen:  make(map[string]bool),
	}
}

// boot returns the first loop job: install the globals and run every script.
func (w *window) boot(scripts []string) func(*goja.Runtime) {
	return func(vm *goja.Runtime) {
		w.vm = vm
		w.live.Store(vm)
		if w.stopped.Load() {
			return
		}

		vm.SetPromiseRejectionTracker(w.trackRejection)
		w.install()

		for i, src := range scripts {
			if !w.runScript(fmt.Sprintf("script-%d.js", i+1), src) {
				return
			}
		}

		w.readyState = "complete"
		w.dispatchDocument("DOMContentLoaded")
		w.dispatch("load", w.event("load"), false)
		w.afterTask()
	}
}

// stop interrupts whatever the VM is running. Safe from any goroutine.
func (w *window) stop(reason string) {
	w.stopped.Store(true)
	if vm := w.live.Load(); vm != nil {
		vm.Interrupt(reason)
	}
}

// afterTask runs at the end of every macrotask: report rejections nobody
// handled and signal quiescence when no timer is left.
func (w *window) afterTask() {
	pending := w.rejections
	w.rejections = nil
	for _, p := range pending {
		ev := w.event("unhandledrejection")
		_ = ev.Set("reason", p.Result())
		if !w.dispatch("unhandledrejection", ev, false) {
			w.console("error", "Uncaught (in promise) "+p.Result().String())
		}
	}

	if len(w.timeouts) == 0 && len(w.intervals) == 0 {
		w.once.Do(func() { close(w.settled) })
	}
}

func (w *window) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		w.rejections = append(w.rejections, p)
	case goja.PromiseRejectionHandle:
		for i, q := range w.rejections {
			if q == p {
				w.rejections = append(w.rejections[:i], w.rejections[i+1:]...)
				break
			}
		}
	}
}

// runScript executes one script element. It returns false once the VM has
// been interrupted.
func (w *window) runScript(name, src string) bool {
	prg, err := goja.Compile(name, src, false)
	if err != nil {
		w.reportError(w.newError("SyntaxError", err.Error()), err.Error())
		return true
	}
	_, err = w.vm.RunProgram(prg)
	return w.handle(err)
}

// handle routes an error escaping a script or callback to the window error
// event. It returns false for an interrupt.
func (w *window) handle(err error) bool {
	if err == nil {
		return true
	}
	switch e := err.(type) {
	case *goja.InterruptedError:
		return false
	case *goja.Exception:
		w.reportError(e.Value(), e.Error())
	default:
		w.console("error", err.Error())
	}
	return true
}

// reportError dispatches an uncaught error to the window error listeners.
// Exceptions thrown by those listeners are logged, never re-dispatched.
func (w *window) reportError(errVal goja.Value, message string) {
	ev := w.event("error")
	_ = ev.Set("error", errVal)
	_ = ev.Set("message", message)
	_ = ev.Set("filename", "about:srcdoc")
	if !w.dispatch("error", ev, true) {
		w.console("error", "Uncaught "+message)
	}
}

// dispatch calls the window listeners of typ and reports whether there were
// any. quiet keeps listener exceptions away from the error event.
func (w *window) dispatch(typ string, ev *goja.Object, quiet bool) bool {
	fns := w.listeners[typ]
	for _, l := range fns {
		_, err := l.fn(w.vm.GlobalObject(), ev)
		if err == nil {
			continue
		}
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return true
		}
		if quiet {
			w.console("error", "error listener threw: "+err.Error())
			continue
		}
		w.handle(err)
	}
	return len(fns) > 0
}

func (w *window) event(typ string) *goja.Object {
	ev := w.vm.NewObject()
	_ = ev.Set("type", typ)
	_ = ev.Set("preventDefault", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = ev.Set("stopPropagation", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	return ev
}

func (w *window) newError(ctor, message string) *goja.Object {
	obj, err := w.vm.New(w.vm.Get(ctor), w.vm.ToValue(message))
	if err != nil {
		return w.vm.NewGoError(fmt.Errorf("%s", message))
	}
	return obj
}

// securityError is the DOMException thrown for cross-origin access.
func (w *window) securityError(what string) *goja.Object {
	obj := w.newError("Error", fmt.Sprintf("Blocked a frame with origin \"null\" from accessing %s", what))
	_ = obj.Set("name", "SecurityError")
	_ = obj.Set("code", 18)
	return obj
}

// block records an attempt to reach a host surface.
func (w *window) block(what string) {
	if w.blockSeen[what] {
		return
	}
	w.blockSeen[what] = true
	w.report.Blocked = append(w.report.Blocked, what)
}

func (w *window) console(level, msg string) {
	w.report.Console = append(w.report.Console, level+": "+msg)
}

func (w *window) install() {
	vm := w.vm
	global := vm.GlobalObject()

	for _, name := range []string{"require", "process", "module", "exports"} {
		_ = global.Delete(name)
	}

	_ = vm.Set("window", global)
	_ = vm.Set("self", global)
	_ = vm.Set("frames", global)
	_ = vm.Set("document", w.document())
	_ = vm.Set("console", w.consoleObject())
	_ = vm.Set("location", w.location())
	_ = vm.Set("navigator", map[string]interface{}{"userAgent": "snipbox-headless"})

	_ = vm.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		if l, ok := toListener(call.Argument(1)); ok {
			typ := call.Argument(0).String()
			w.listeners[typ] = append(w.listeners[typ], l)
		}
		return goja.Undefined()
	})
	_ = vm.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		w.listeners[typ] = removeListener(w.listeners[typ], call.Argument(1))
		return goja.Undefined()
	})

	_ = vm.Set("setTimeout", w.setTimer(false))
	_ = vm.Set("setInterval", w.setTimer(true))
	_ = vm.Set("clearTimeout", w.clearTimer)
	_ = vm.Set("clearInterval", w.clearTimer)
	_ = vm.Set("requestAnimationFrame", func(call goja.FunctionCall) goja.Value {
		return w.schedule(call.Argument(0), 16*time.Millisecond, nil, false)
	})
	_ = vm.Set("cancelAnimationFrame", w.clearTimer)

	// The sandbox grants neither modals nor popups.
	_ = vm.Set("alert", w.ignored("alert", goja.Undefined()))
	_ = vm.Set("confirm", w.ignored("confirm", vm.ToValue(false)))
	_ = vm.Set("prompt", w.ignored("prompt", goja.Null()))
	_ = vm.Set("open", w.ignored("open", goja.Null()))

	_ = global.DefineAccessorProperty("parent", w.getter(w.crossOrigin("parent")), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = global.DefineAccessorProperty("top", w.getter(w.crossOrigin("top")), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = global.DefineAccessorProperty("opener", w.getter(goja.Null()), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = global.DefineAccessorProperty("frameElement", w.getter(goja.Null()), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	for _, name := range []string{"localStorage", "sessionStorage", "indexedDB"} {
		_ = global.DefineAccessorProperty(name, w.denied(name), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
}

func (w *window) getter(v goja.Value) goja.Value {
	return w.vm.ToValue(func(goja.FunctionCall) goja.Value { return v })
}

// denied is an accessor that throws SecurityError: storage is unavailable
// to an opaque origin.
func (w *window) denied(what string) goja.Value {
	return w.vm.ToValue(func(goja.FunctionCall) goja.Value {
		w.block(what)
		panic(w.securityError(what))
	})
}

func (w *window) ignored(name string, result goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		w.block(name)
		w.console("warn", fmt.Sprintf("Ignored call to '%s()'. The document is sandboxed.", name))
		return result
	}
}

// crossOrigin returns the view of the embedding page: every property access
// throws except postMessage, whose payloads are recorded.
func (w *window) crossOrigin(name string) goja.Value {
	vm := w.vm
	postMessage := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		w.report.Messages = append(w.report.Messages, call.Argument(0).String())
		return goja.Undefined()
	})
	deny := func(prop string) {
		what := name
		if prop != "" {
			what += "." + prop
		}
		w.block(what)
		panic(w.securityError("a cross-origin frame"))
	}

	proxy := vm.NewProxy(vm.NewObject(), &goja.ProxyTrapConfig{
		Get: func(_ *goja.Object, property string, _ goja.Value) goja.Value {
			if property == "postMessage" {
				return postMessage
			}
			deny(property)
			return nil
		},
		GetIdx: func(_ *goja.Object, property int, _ goja.Value) goja.Value {
			deny(fmt.Sprint(property))
			return nil
		},
		Set: func(_ *goja.Object, property string, _ goja.Value, _ goja.Value) bool {
			deny(property)
			return false
		},
		Has: func(_ *goja.Object, property string) bool {
			deny(property)
			return false
		},
		DeleteProperty: func(_ *goja.Object, property string) bool {
			deny(property)
			return false
		},
		DefineProperty: func(_ *goja.Object, key string, _ goja.PropertyDescriptor) bool {
			deny(key)
			return false
		},
	})
	return vm.ToValue(proxy)
}

func (w *window) location() *goja.Object {
	loc := w.vm.NewObject()
	_ = loc.Set("href", "about:srcdoc")
	_ = loc.Set("origin", "null")
	_ = loc.Set("protocol", "about:")
	_ = loc.Set("reload", w.ignored("location.reload", goja.Undefined()))
	return loc
}

func (w *window) consoleObject() *goja.Object {
	c := w.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		_ = c.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			w.console(level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	return c
}

func toListener(v goja.Value) (listener, bool) {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return listener{}, false
	}
	obj, _ := v.(*goja.Object)
	return listener{value: obj, fn: fn}, true
}

func removeListener(ls []listener, v goja.Value) []listener {
	obj, ok := v.(*goja.Object)
	if !ok {
		return ls
	}
	for i, l := range ls {
		if l.value == obj {
			return append(ls[:i], ls[i+1:]...)
		}
	}
	return ls
}

func (w *window) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		return w.schedule(call.Argument(0), delay, args, repeat)
	}
}

// schedule registers a timer on the event loop. String callbacks are not
// evaluated.
func (w *window) schedule(cb goja.Value, delay time.Duration, args []goja.Value, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(cb)
	if !ok {
		return w.vm.ToValue(0)
	}
	if delay < 0 {
		delay = 0
	}

	w.nextTimer++
	id := w.nextTimer
	if repeat {
		if delay < minInterval {
			delay = minInterval
		}
		w.intervals[id] = w.loop.SetInterval(func(*goja.Runtime) {
			w.handle(w.call(fn, args))
			w.afterTask()
		}, delay)
	} else {
		w.timeouts[id] = w.loop.SetTimeout(func(*goja.Runtime) {
			delete(w.timeouts, id)
			w.handle(w.call(fn, args))
			w.afterTask()
		}, delay)
	}
	return w.vm.ToValue(id)
}

func (w *window) call(fn goja.Callable, args []goja.Value) error {
	_, err := fn(goja.Undefined(), args...)
	return err
}

func (w *window) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := w.timeouts[id]; ok {
		w.loop.ClearTimeout(t)
		delete(w.timeouts, id)
	}
	if iv, ok := w.intervals[id]; ok {
		w.loop.ClearInterval(iv)
		delete(w.intervals, id)
	}
	return goja.Undefined()
}
