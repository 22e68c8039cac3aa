package browser

import (
	"os"
	"runtime"
	"strconv"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/spf13/viper"
)

// DefaultMarker is the command line switch every worker carries. It is the
// tool-wide worker signature used by the orphan sweep.
const DefaultMarker = "rodwarden-worker"

// LaunchOptionsFromConfig reads the engine settings from viper.
func LaunchOptionsFromConfig() LaunchOptions {
	return LaunchOptions{
		Bin:             viper.GetString("engine.bin"),
		Headless:        viper.GetBool("engine.headless"),
		NoSandbox:       viper.GetBool("engine.no_sandbox") || runningAsRoot(),
		Proxy:           viper.GetString("engine.proxy"),
		DiskCacheBytes:  viper.GetInt("engine.disk_cache_bytes"),
		MediaCacheBytes: viper.GetInt("engine.media_cache_bytes"),
		Marker:          viper.GetString("engine.marker"),
		Flags:           viper.GetStringMapString("engine.extra_flags"),
	}
}

// ResolveBin returns the engine binary to use: the configured one, then a
// pre-installed browser. An empty result lets rod download its own build.
func ResolveBin(configured string) string {
	if configured != "" {
		return configured
	}
	if path, has := launcher.LookPath(); has {
		return path
	}
	return ""
}

// GetBrowserLauncher returns a launcher pointed at scratchDir with the
// resource-constraining switches applied.
func GetBrowserLauncher(scratchDir string, opts LaunchOptions) *launcher.Launcher {
	l := launcher.New().
		UserDataDir(scratchDir).
		Headless(opts.Headless).
		Set("disable-infobars").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("disable-component-update").
		Set("disable-default-apps").
		Set("disable-sync").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("metrics-recording-only").
		Set("mute-audio")

	if bin := ResolveBin(opts.Bin); bin != "" {
		l = l.Bin(bin)
	}
	if opts.NoSandbox {
		l = l.NoSandbox(true)
	}
	if opts.Proxy != "" {
		l = l.Proxy(opts.Proxy)
	}
	if opts.DiskCacheBytes > 0 {
		l = l.Set("disk-cache-size", strconv.Itoa(opts.DiskCacheBytes))
	}
	if opts.MediaCacheBytes > 0 {
		l = l.Set("media-cache-size", strconv.Itoa(opts.MediaCacheBytes))
	}
	marker := opts.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	l = l.Set(flags.Flag(marker))
	for name, value := range opts.Flags {
		if value == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), value)
		}
	}
	return l
}

func runningAsRoot() bool {
	return runtime.GOOS == "linux" && os.Geteuid() == 0
}
