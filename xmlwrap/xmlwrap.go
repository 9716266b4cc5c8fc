// Package xmlwrap writes and reads collections of XML-mapped structs inside
// a single wrapping element:
//
//	<resteasy:collection xmlns:resteasy="http://jboss.org/resteasy">
//	    <customer>...</customer>
//	    <customer>...</customer>
//	</resteasy:collection>
//
// Items are encoded with encoding/xml; the envelope is built and taken apart
// with etree.
package xmlwrap

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/beevik/etree"
)

var (
	ErrNotWrappable     = errors.New("xmlwrap: type is not a collection of XML elements")
	ErrWrappingMismatch = errors.New("xmlwrap: wrapping element mismatch")
	ErrLength           = errors.New("xmlwrap: element count does not match array length")
	ErrNoRoot           = errors.New("xmlwrap: document has no root element")
)

// Wrapping names the envelope element. Prefix is ignored when Namespace is
// empty.
type Wrapping struct {
	Element   string
	Namespace string
	Prefix    string
}

// DefaultWrapping is the envelope used when none is given.
func DefaultWrapping() Wrapping {
	return Wrapping{
		Element:   "collection",
		Namespace: "http://jboss.org/resteasy",
		Prefix:    "resteasy",
	}
}

func (w Wrapping) tag() string {
	if w.Prefix == "" || w.Namespace == "" {
		return w.Element
	}
	return w.Prefix + ":" + w.Element
}

var xmlNameType = reflect.TypeFor[xml.Name]()

// IsWrappable reports whether t is a slice or array whose elements (or their
// pointees) are structs with an XMLName field.
func IsWrappable(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Kind() != reflect.Slice && t.Kind() != reflect.Array {
		return false
	}
	return isXMLElement(t.Elem())
}

func isXMLElement(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return false
	}
	f, ok := t.FieldByName("XMLName")
	return ok && f.Type == xmlNameType
}

// Marshal writes items, a slice or array, wrapped in w. A nil w uses
// DefaultWrapping.
func Marshal(out io.Writer, items any, w *Wrapping) error {
	v := reflect.ValueOf(items)
	if !v.IsValid() || !IsWrappable(v.Type()) {
		return fmt.Errorf("%w: %T", ErrNotWrappable, items)
	}

	wrap := DefaultWrapping()
	if w != nil {
		wrap = *w
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="yes"`)
	root := doc.CreateElement(wrap.tag())
	if wrap.Namespace != "" {
		if wrap.Prefix != "" {
			root.CreateAttr("xmlns:"+wrap.Prefix, wrap.Namespace)
		} else {
			root.CreateAttr("xmlns", wrap.Namespace)
		}
	}

	for i := range v.Len() {
		item := v.Index(i)
		if item.Kind() == reflect.Pointer && item.IsNil() {
			continue
		}
		data, err := xml.Marshal(item.Interface())
		if err != nil {
			return fmt.Errorf("xmlwrap: item %d: %w", i, err)
		}
		itemDoc := etree.NewDocument()
		if err := itemDoc.ReadFromBytes(data); err != nil {
			return fmt.Errorf("xmlwrap: item %d: %w", i, err)
		}
		root.AddChild(itemDoc.Root())
	}

	_, err := doc.WriteTo(out)
	return err
}

// Unmarshal reads a wrapped collection from r into target, a pointer to a
// slice or array. A non-nil w makes the root element's name and namespace
// mandatory.
func Unmarshal(r io.Reader, target any, w *Wrapping) error {
	ptr := reflect.ValueOf(target)
	if !ptr.IsValid() || ptr.Kind() != reflect.Pointer || ptr.IsNil() || !IsWrappable(ptr.Type().Elem()) {
		return fmt.Errorf("%w: %T", ErrNotWrappable, target)
	}
	dst := ptr.Elem()

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return fmt.Errorf("xmlwrap: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return ErrNoRoot
	}

	if w != nil {
		if root.Tag != w.Element {
			return fmt.Errorf("%w: expected root element name of %s got %s", ErrWrappingMismatch, w.Element, root.Tag)
		}
		if ns := root.NamespaceURI(); ns != w.Namespace {
			return fmt.Errorf("%w: expected namespace of %s got %s", ErrWrappingMismatch, w.Namespace, ns)
		}
	}

	children := root.ChildElements()
	elemType := dst.Type().Elem()

	if dst.Kind() == reflect.Array && len(children) != dst.Len() {
		return fmt.Errorf("%w: %d elements, array of %d", ErrLength, len(children), dst.Len())
	}

	out := dst
	if dst.Kind() == reflect.Slice {
		out = reflect.MakeSlice(dst.Type(), 0, len(children))
	}

	for i, child := range children {
		data, err := detach(child)
		if err != nil {
			return fmt.Errorf("xmlwrap: element %d: %w", i, err)
		}

		item := newItem(elemType)
		if err := xml.Unmarshal(data, item.Interface()); err != nil {
			return fmt.Errorf("xmlwrap: element %d: %w", i, err)
		}
		if elemType.Kind() != reflect.Pointer {
			item = item.Elem()
		}

		if dst.Kind() == reflect.Array {
			out.Index(i).Set(item)
		} else {
			out = reflect.Append(out, item)
		}
	}

	if dst.Kind() == reflect.Slice {
		dst.Set(out)
	}
	return nil
}

// newItem returns a pointer to a fresh value of the element type, or of its
// pointee when the element is itself a pointer.
func newItem(t reflect.Type) reflect.Value {
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem())
	}
	return reflect.New(t)
}

// detach serializes child as a standalone document, carrying over a prefix
// declaration it inherited from the envelope.
func detach(child *etree.Element) ([]byte, error) {
	cp := child.Copy()
	if child.Space != "" && cp.SelectAttr("xmlns:"+child.Space) == nil {
		cp.CreateAttr("xmlns:"+child.Space, child.NamespaceURI())
	}
	if child.Space == "" && cp.SelectAttr("xmlns") == nil {
		if ns := child.NamespaceURI(); ns != "" {
			cp.CreateAttr("xmlns", ns)
		}
	}
	doc := etree.NewDocument()
	doc.SetRoot(cp)
	return doc.WriteToBytes()
}
