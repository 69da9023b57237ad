package headless

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// wrap returns the VM object of n, creating it on first use so that the same
// node always maps to the same object.
func (w *window) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := w.objects[n]; ok {
		return obj
	}

	obj := w.vm.NewObject()
	w.objects[n] = obj
	w.nodes[obj] = n

	switch n.Type {
	case html.ElementNode:
		w.element(obj, n)
	case html.TextNode:
		w.text(obj, n)
	default:
		_ = obj.Set("nodeType", int(n.Type))
	}
	return obj
}

// nodeOf maps a VM value back to its node or throws a TypeError.
func (w *window) nodeOf(v goja.Value) *html.Node {
	if obj, ok := v.(*goja.Object); ok {
		if n, ok := w.nodes[obj]; ok {
			return n
		}
	}
	panic(w.vm.NewTypeError("parameter 1 is not of type 'Node'"))
}

func (w *window) accessor(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	getter := w.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	var setter goja.Value
	if set != nil {
		setter = w.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func (w *window) document() *goja.Object {
	root := w.page.Nodes[0]
	doc := w.vm.NewObject()
	w.objects[root] = doc
	w.nodes[doc] = root

	_ = doc.Set("nodeType", 9)
	w.accessor(doc, "documentElement", func() goja.Value { return w.first(root, "html") }, nil)
	w.accessor(doc, "head", func() goja.Value { return w.first(root, "head") }, nil)
	w.accessor(doc, "body", func() goja.Value { return w.first(root, "body") }, nil)
	w.accessor(doc, "readyState", func() goja.Value { return w.vm.ToValue(w.readyState) }, nil)
	w.accessor(doc, "title",
		func() goja.Value { return w.vm.ToValue(w.page.Find("title").First().Text()) },
		func(v goja.Value) {
			if t := w.page.Find("title").Nodes; len(t) > 0 {
				setText(t[0], v.String())
			}
		})
	_ = doc.DefineAccessorProperty("cookie", w.denied("document.cookie"), w.denied("document.cookie"), goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = doc.Set("createElement", func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return w.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
	})
	_ = doc.Set("createTextNode", func(call goja.FunctionCall) goja.Value {
		return w.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	_ = doc.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		match := w.page.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.AttrOr("id", "") == id
		})
		if match.Length() == 0 {
			return goja.Null()
		}
		return w.wrap(match.Nodes[0])
	})
	w.queries(doc, root)
	w.events(doc, root)

	return doc
}

// dispatchDocument fires a document-level event such as DOMContentLoaded.
func (w *window) dispatchDocument(typ string) {
	root := w.page.Nodes[0]
	ev := w.event(typ)
	_ = ev.Set("target", w.wrap(root))
	w.fire(root, typ, ev)
}

func (w *window) first(root *html.Node, sel string) goja.Value {
	nodes := goquery.NewDocumentFromNode(root).Find(sel).Nodes
	if len(nodes) == 0 {
		return goja.Null()
	}
	return w.wrap(nodes[0])
}

func (w *window) queries(obj *goja.Object, n *html.Node) {
	_ = obj.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		return w.first(n, call.Argument(0).String())
	})
	_ = obj.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		nodes := goquery.NewDocumentFromNode(n).Find(call.Argument(0).String()).Nodes
		return w.list(nodes)
	})
}

func (w *window) list(nodes []*html.Node) goja.Value {
	items := make([]interface{}, len(nodes))
	for i, n := range nodes {
		items[i] = w.wrap(n)
	}
	return w.vm.NewArray(items...)
}

func (w *window) events(obj *goja.Object, n *html.Node) {
	_ = obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		l, ok := toListener(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		typ := call.Argument(0).String()
		if w.handlers[n] == nil {
			w.handlers[n] = make(map[string][]listener)
		}
		w.handlers[n][typ] = append(w.handlers[n][typ], l)
		return goja.Undefined()
	})
	_ = obj.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		if byType := w.handlers[n]; byType != nil {
			byType[typ] = removeListener(byType[typ], call.Argument(1))
		}
		return goja.Undefined()
	})
}

// fire calls the listeners of typ registered on n. A throwing listener is
// reported like any uncaught error and does not stop the others.
func (w *window) fire(n *html.Node, typ string, ev *goja.Object) {
	_ = ev.Set("currentTarget", w.wrap(n))
	for _, l := range w.handlers[n][typ] {
		if _, err := l.fn(w.wrap(n), ev); err != nil {
			if !w.handle(err) {
				return
			}
		}
	}
}

// bubble fires typ on n and then on each ancestor up to the document.
func (w *window) bubble(n *html.Node, typ string) {
	ev := w.event(typ)
	_ = ev.Set("target", w.wrap(n))
	_ = ev.Set("bubbles", true)
	for cur := n; cur != nil; cur = cur.Parent {
		w.fire(cur, typ, ev)
	}
}

func (w *window) element(obj *goja.Object, n *html.Node) {
	vm := w.vm

	_ = obj.Set("nodeType", 1)
	_ = obj.Set("tagName", strings.ToUpper(n.Data))
	_ = obj.Set("nodeName", strings.ToUpper(n.Data))

	w.attrAccessor(obj, n, "id", "id")
	w.attrAccessor(obj, n, "className", "class")

	textGet := func() goja.Value { return vm.ToValue(textOf(n)) }
	textSet := func(v goja.Value) { setText(n, v.String()) }
	w.accessor(obj, "textContent", textGet, textSet)
	w.accessor(obj, "innerText", textGet, textSet)
	w.accessor(obj, "innerHTML",
		func() goja.Value { return vm.ToValue(innerHTML(n)) },
		func(v goja.Value) {
			nodes, err := html.ParseFragment(strings.NewReader(v.String()), n)
			if err != nil {
				panic(w.newError("SyntaxError", err.Error()))
			}
			clearChildren(n)
			for _, c := range nodes {
				n.AppendChild(c)
			}
		})

	w.accessor(obj, "parentNode", func() goja.Value { return w.wrap(n.Parent) }, nil)
	w.accessor(obj, "parentElement", func() goja.Value {
		if n.Parent == nil || n.Parent.Type != html.ElementNode {
			return goja.Null()
		}
		return w.wrap(n.Parent)
	}, nil)
	w.accessor(obj, "children", func() goja.Value {
		return w.list(goquery.NewDocumentFromNode(n).Children().Nodes)
	}, nil)
	w.accessor(obj, "childNodes", func() goja.Value {
		var nodes []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			nodes = append(nodes, c)
		}
		return w.list(nodes)
	}, nil)

	style := w.style(n)
	w.accessor(obj, "style", func() goja.Value { return style }, func(v goja.Value) { setAttr(n, "style", v.String()) })

	_ = obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		setAttr(n, strings.ToLower(call.Argument(0).String()), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		if v, ok := getAttr(n, strings.ToLower(call.Argument(0).String())); ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := getAttr(n, strings.ToLower(call.Argument(0).String()))
		return vm.ToValue(ok)
	})
	_ = obj.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		removeAttr(n, strings.ToLower(call.Argument(0).String()))
		return goja.Undefined()
	})

	_ = obj.Set("appendChild", func(call goja.FunctionCall) goja.Value {
		w.insert(n, w.nodeOf(call.Argument(0)))
		return call.Argument(0)
	})
	_ = obj.Set("append", func(call goja.FunctionCall) goja.Value {
		for _, arg := range call.Arguments {
			if o, ok := arg.(*goja.Object); ok {
				if child, ok := w.nodes[o]; ok {
					w.insert(n, child)
					continue
				}
			}
			n.AppendChild(&html.Node{Type: html.TextNode, Data: arg.String()})
		}
		return goja.Undefined()
	})
	_ = obj.Set("removeChild", func(call goja.FunctionCall) goja.Value {
		child := w.nodeOf(call.Argument(0))
		if child.Parent != n {
			panic(w.newError("Error", "The node to be removed is not a child of this node."))
		}
		n.RemoveChild(child)
		return call.Argument(0)
	})
	_ = obj.Set("remove", func(goja.FunctionCall) goja.Value {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		return goja.Undefined()
	})
	_ = obj.Set("click", func(goja.FunctionCall) goja.Value {
		w.bubble(n, "click")
		return goja.Undefined()
	})

	w.queries(obj, n)
	w.events(obj, n)
}

func (w *window) text(obj *goja.Object, n *html.Node) {
	_ = obj.Set("nodeType", 3)
	get := func() goja.Value { return w.vm.ToValue(n.Data) }
	set := func(v goja.Value) { n.Data = v.String() }
	w.accessor(obj, "textContent", get, set)
	w.accessor(obj, "data", get, set)
	w.accessor(obj, "nodeValue", get, set)
	_ = obj.Set("remove", func(goja.FunctionCall) goja.Value {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		return goja.Undefined()
	})
}

func (w *window) attrAccessor(obj *goja.Object, n *html.Node, prop, attr string) {
	w.accessor(obj, prop,
		func() goja.Value {
			v, _ := getAttr(n, attr)
			return w.vm.ToValue(v)
		},
		func(v goja.Value) { setAttr(n, attr, v.String()) })
}

// style exposes the style attribute as cssText. Individual properties are
// accepted and ignored.
func (w *window) style(n *html.Node) *goja.Object {
	s := w.vm.NewObject()
	w.accessor(s, "cssText",
		func() goja.Value {
			v, _ := getAttr(n, "style")
			return w.vm.ToValue(v)
		},
		func(v goja.Value) { setAttr(n, "style", v.String()) })
	_ = s.Set("setProperty", func(call goja.FunctionCall) goja.Value {
		decl := call.Argument(0).String() + ": " + call.Argument(1).String() + ";"
		if cur, _ := getAttr(n, "style"); cur != "" {
			decl = strings.TrimRight(cur, "; ") + "; " + decl
		}
		setAttr(n, "style", decl)
		return goja.Undefined()
	})
	return s
}

// insert moves child under parent, rejecting cycles.
func (w *window) insert(parent, child *html.Node) {
	for cur := parent; cur != nil; cur = cur.Parent {
		if cur == child {
			panic(w.newError("Error", "The new child element contains the parent."))
		}
	}
	if child.Parent != nil {
		child.Parent.RemoveChild(child)
	}
	parent.AppendChild(child)
}

func textOf(n *html.Node) string {
	return goquery.NewDocumentFromNode(n).Text()
}

func setText(n *html.Node, s string) {
	clearChildren(n)
	if s != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
	}
}

func innerHTML(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

func clearChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}
