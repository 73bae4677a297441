// Package windowinfo resolves the currently focused window's app name,
// title, and window class across desktop environments, grounded on
// original_source's window_info/{gnome,kwin,noop}.rs provider split and
// the D-Bus call idiom from godbus/dbus/v5 used elsewhere in the daemon.
package windowinfo

import (
	"context"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"

	"rewindos/internal/rerrors"
)

// Info describes the focused window at the moment of a capture.
type Info struct {
	AppName     string
	WindowTitle string
	WindowClass string
}

// Provider resolves the currently focused window. Implementations must be
// safe to call repeatedly on the capture cadence.
type Provider interface {
	ActiveWindow(ctx context.Context) (Info, error)
}

// Detect picks a Provider appropriate for the running desktop session,
// based on XDG_CURRENT_DESKTOP, falling back to NoopProvider when no
// known compositor integration is available.
func Detect() Provider {
	desktop := strings.ToLower(os.Getenv("XDG_CURRENT_DESKTOP"))
	switch {
	case strings.Contains(desktop, "gnome"):
		return &GnomeShellProvider{}
	case strings.Contains(desktop, "kde"):
		return &KWinProvider{}
	default:
		return &NoopProvider{}
	}
}

// NoopProvider reports no window information, for headless sessions or
// compositors rewindos doesn't integrate with.
type NoopProvider struct{}

func (NoopProvider) ActiveWindow(ctx context.Context) (Info, error) {
	return Info{}, nil
}

// GnomeShellProvider calls into the GNOME Shell Eval interface via
// session D-Bus to run a small JS snippet reading global.display's
// focus-window metadata. Real GNOME Shell builds disable Eval by
// default outside of unsafe/developer mode; when the call is refused,
// ActiveWindow degrades to an empty Info rather than failing capture.
type GnomeShellProvider struct{}

func (GnomeShellProvider) ActiveWindow(ctx context.Context) (Info, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return Info{}, rerrors.New(rerrors.WindowInfo, "windowinfo.GnomeShellProvider.ActiveWindow", err)
	}
	defer conn.Close()

	obj := conn.Object("org.gnome.Shell", "/org/gnome/Shell")
	const script = `(function() {
		let w = global.display.focus_window;
		if (!w) return JSON.stringify({app: "", title: "", class: ""});
		return JSON.stringify({
			app: w.get_wm_class() || "",
			title: w.get_title() || "",
			class: w.get_wm_class_instance() || ""
		});
	})()`

	var success bool
	var result string
	if err := obj.CallWithContext(ctx, "org.gnome.Shell.Eval", 0, script).Store(&success, &result); err != nil {
		return Info{}, nil
	}
	if !success {
		return Info{}, nil
	}
	return parseShellEvalJSON(result), nil
}

// KWinProvider calls KWin's D-Bus interface to read the active client's
// caption. It fills only WindowTitle; app name and window class stay empty.
type KWinProvider struct{}

func (KWinProvider) ActiveWindow(ctx context.Context) (Info, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return Info{}, rerrors.New(rerrors.WindowInfo, "windowinfo.KWinProvider.ActiveWindow", err)
	}
	defer conn.Close()

	obj := conn.Object("org.kde.KWin", "/KWin")
	var title string
	if err := obj.CallWithContext(ctx, "org.kde.KWin.activeWindowCaption", 0).Store(&title); err != nil {
		return Info{}, nil
	}
	return Info{WindowTitle: title}, nil
}

// parseShellEvalJSON extracts app/title/class fields from the minimal JSON
// the GNOME Shell Eval script above returns, without pulling in a full
// JSON decode for three known string fields.
func parseShellEvalJSON(s string) Info {
	get := func(key string) string {
		marker := `"` + key + `":"`
		idx := strings.Index(s, marker)
		if idx < 0 {
			return ""
		}
		rest := s[idx+len(marker):]
		end := strings.Index(rest, `"`)
		if end < 0 {
			return ""
		}
		return rest[:end]
	}
	return Info{
		AppName:     get("app"),
		WindowTitle: get("title"),
		WindowClass: get("class"),
	}
}
