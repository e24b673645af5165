// Package notifications provides an interface to the Freedesktop
// notifications API.
//
// This corresponds to the org.freedesktop.Notifications service on
// the session bus.
package notifications

import (
	"context"
	"fmt"

	dbus "github.com/danderson/dbusloop"
)

const (
	Service   = "org.freedesktop.Notifications"
	Path      = dbus.ObjectPath("/org/freedesktop/Notifications")
	Interface = "org.freedesktop.Notifications"
)

// Notifications is a client for a notification service.
type Notifications struct {
	p *dbus.Proxy
}

// New returns a client for the notification service on conn.
//
// The client holds a reference to conn, which stays open until both
// the caller and the client have closed it.
func New(ctx context.Context, conn *dbus.Conn) (*Notifications, error) {
	p, err := conn.Proxy(ctx, Service, Path, Interface, dbus.Standalone)
	if err != nil {
		return nil, err
	}
	return &Notifications{p}, nil
}

// Close releases the client's reference to its connection.
func (n *Notifications) Close() { n.p.Close() }

// Capabilities supported by various DEs
//
// Actions supported by Gnome
// ==========================
// actions
// body
// body-markup
// icon-static
// persistence
// sound
//
// Actions supported by KDE
// ========================
// actions
// body
// body-hyperlinks
// body-images
// body-markup
// icon-static
// inhibitions
// inline-reply
// persistence
// x-kde-display-appname
// x-kde-origin-name
// x-kde-urls
//
// In standard but nobody implements?
// ==================================
// action-icons
// icon-multi

// Capabilities enumerates the optional capabilities of a notification
// service.
type Capabilities struct {
	// Actions reports whether notifications can have actions attached
	// to them. Actions trigger a signal back to the notification's
	// sender when interacted with.
	Actions bool
	// ActionIcons reports notification actions can use icons to
	// describe actions instead of text.
	ActionIcons bool
	// Body reports whether notifications can have a body, in addition
	// to a short title.
	Body bool
	// BodyLinks reports whether notification bodies can include
	// hyperlinks.
	BodyLinks bool
	// BodyImages reports whether notification bodies can include
	// images.
	BodyImages bool
	// BodyMarkup reports whether notification bodies can contain
	// notification markup, a small subset of HTML.
	BodyMarkup bool
	// Icon reports whether notifications can have an icon.
	Icon bool
	// IconAnimation reports whether the notification icon can be
	// multiple frames of animation, or just a single static frame.
	IconAnimation bool
	// Persistence reports whether notifications remain on screen
	// until explicitly dismissed by the user.
	Persistence bool
	// Sound reports whether notifications can play a sound.
	Sound bool

	// Inhibitions is a KDE-only extension for controlled suppression
	// of notifications.
	Inhibitions bool
	// InlineReply is a KDE-only extension that lets notifications
	// prompt for a text reply.
	InlineReply bool
	// ContextURLs is a KDE-only extension for URL hints.
	ContextURLs bool
	// DisplayAppName is a KDE-only extension to show a pretty name
	// for the sending application.
	DisplayAppName bool
	// DisplayOriginName is a KDE-only extension to show an
	// additional origin, such as a website domain.
	DisplayOriginName bool

	// Unknown collects the capability strings that aren't known to
	// this package.
	Unknown []string
}

// Capabilities reports the capabilities of the notification service.
func (n *Notifications) Capabilities(ctx context.Context) (caps Capabilities, err error) {
	ret, err := n.p.Call(ctx, "GetCapabilities")
	if err != nil {
		return Capabilities{}, err
	}
	var cs []string
	if err := dbus.Scan(ret, &cs); err != nil {
		return Capabilities{}, err
	}
	for _, c := range cs {
		switch c {
		case "actions":
			caps.Actions = true
		case "action-icons":
			caps.ActionIcons = true
		case "body":
			caps.Body = true
		case "body-hyperlinks":
			caps.BodyLinks = true
		case "body-images":
			caps.BodyImages = true
		case "body-markup":
			caps.BodyMarkup = true
		case "icon-static":
			caps.Icon = true
		case "icon-multi":
			caps.Icon = true
			caps.IconAnimation = true
		case "persistence":
			caps.Persistence = true
		case "sound":
			caps.Sound = true

		case "inhibitions":
			caps.Inhibitions = true
		case "inline-reply":
			caps.InlineReply = true
		case "x-kde-display-appname":
			caps.DisplayAppName = true
		case "x-kde-origin-name":
			caps.DisplayOriginName = true
		case "x-kde-urls":
			caps.ContextURLs = true

		default:
			caps.Unknown = append(caps.Unknown, c)
		}
	}
	return caps, nil
}

type ServerInformation struct {
	Name        string
	Vendor      string
	Version     string
	SpecVersion string
}

func (n *Notifications) ServerInformation(ctx context.Context) (info ServerInformation, err error) {
	ret, err := n.p.Call(ctx, "GetServerInformation")
	if err != nil {
		return ServerInformation{}, err
	}
	err = dbus.Scan(ret, &info.Name, &info.Vendor, &info.Version, &info.SpecVersion)
	return info, err
}

type Notification struct {
	AppName    string
	ReplacesID uint32
	AppIcon    string
	Summary    string
	Body       string
	// Actions alternates action keys and their display labels.
	Actions []string
	Hints   map[string]any
	// Timeout is in milliseconds. -1 lets the server decide, and 0
	// never expires.
	Timeout int32
}

// Notify shows a notification, and returns its ID.
func (n *Notifications) Notify(ctx context.Context, req Notification) (uint32, error) {
	if req.Hints == nil {
		req.Hints = map[string]any{}
	}
	if req.Actions == nil {
		req.Actions = []string{}
	}
	args, err := dbus.Args(req.AppName, req.ReplacesID, req.AppIcon, req.Summary, req.Body, req.Actions, req.Hints, req.Timeout)
	if err != nil {
		return 0, fmt.Errorf("encoding notification: %w", err)
	}
	ret, err := n.p.Call(ctx, "Notify", args...)
	if err != nil {
		return 0, err
	}
	var id uint32
	return id, dbus.Scan(ret, &id)
}

// CloseNotification dismisses a notification.
func (n *Notifications) CloseNotification(ctx context.Context, id uint32) error {
	_, err := n.p.Call(ctx, "CloseNotification", dbus.Uint32(id))
	return err
}

// CloseReason is the reason a notification was closed.
type CloseReason uint32

const (
	ReasonExpired CloseReason = iota + 1
	ReasonDismissed
	ReasonClosed
	ReasonUndefined
)

func (r CloseReason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonDismissed:
		return "dismissed"
	case ReasonClosed:
		return "closed"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}

// OnClosed calls fn whenever a notification is closed. fn runs on
// the connection's event loop and must not block.
func (n *Notifications) OnClosed(ctx context.Context, fn func(id uint32, reason CloseReason)) error {
	return n.p.HandleSignal(ctx, "NotificationClosed", func(sig *dbus.Signal) {
		var (
			id     uint32
			reason uint32
		)
		if dbus.Scan(sig.Args, &id, &reason) != nil {
			return
		}
		fn(id, CloseReason(reason))
	})
}

// OnAction calls fn whenever the user invokes one of a
// notification's actions. fn runs on the connection's event loop and
// must not block.
func (n *Notifications) OnAction(ctx context.Context, fn func(id uint32, action string)) error {
	return n.p.HandleSignal(ctx, "ActionInvoked", func(sig *dbus.Signal) {
		var (
			id     uint32
			action string
		)
		if dbus.Scan(sig.Args, &id, &action) != nil {
			return
		}
		fn(id, action)
	})
}
