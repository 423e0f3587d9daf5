package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/downstack/downstack/internal/download"
	"github.com/downstack/downstack/internal/output"
	"github.com/downstack/downstack/internal/transport"
	"github.com/downstack/downstack/internal/utils"
)

var (
	outputDir     string
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	awsProfile    string
	headers       []string
	debug         bool
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "downstack [URLS...]",
	Short:   "Downstack coordinates stacks of concurrent downloads",
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 {
			output.PrintError("No URL provided")
			os.Exit(1)
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		configureTransports()

		mgr := download.Shared()
		outputMgr := output.NewManager()
		downloads := make([]*download.Download, 0, len(args))
		for _, rawURL := range args {
			d, err := download.New(rawURL)
			if err != nil {
				output.PrintError(fmt.Sprintf("Skipping %s: %v", rawURL, err))
				continue
			}
			id := d.ID()
			d.SetProgressFunc(func(received int64) {
				outputMgr.SetProgress(id, received)
			})
			downloads = append(downloads, d)
		}
		if len(downloads) == 0 {
			output.PrintError("No valid URLs to download")
			os.Exit(1)
		}

		stackID := uuid.NewString()
		for _, d := range downloads {
			outputMgr.Register(d.ID(), d.Request().URL.String(), stackID)
		}
		done := make(chan struct{})
		delegate := &download.DelegateFuncs{
			Finished: func(d *download.Download) {
				if err := writeDownload(d, outputDir); err != nil {
					outputMgr.ReportError(d.ID(), err)
					return
				}
				outputMgr.Complete(d.ID(), fmt.Sprintf("Completed %s (status %d)", d.Request().URL, d.StatusCode()))
			},
			Failed: func(d *download.Download, err error) {
				outputMgr.ReportError(d.ID(), err)
			},
			StackFinished: func(_ *download.Manager, _ []*download.Download) {
				close(done)
			},
		}

		outputMgr.StartDisplay()
		if len(downloads) == 1 {
			// Standalone download; no stack accounting, so completion
			// is tracked through the per-item callbacks.
			itemDone := make(chan struct{}, 1)
			single := &download.DelegateFuncs{
				Finished: func(d *download.Download) {
					delegate.OnFinished(d)
					itemDone <- struct{}{}
				},
				Failed: func(d *download.Download, err error) {
					delegate.OnFailed(d, err)
					itemDone <- struct{}{}
				},
			}
			if err := mgr.Perform(downloads[0], single); err != nil {
				outputMgr.StopDisplay()
				output.PrintError(err.Error())
				os.Exit(1)
			}
			waitOrCancel(itemDone, func() {
				downloads[0].Cancel()
			})
		} else {
			if err := mgr.PerformStack(downloads, delegate, stackID); err != nil {
				outputMgr.StopDisplay()
				output.PrintError(err.Error())
				os.Exit(1)
			}
			waitOrCancel(done, func() {
				mgr.CancelStack(stackID)
			})
		}
		outputMgr.StopDisplay()
		if outputMgr.HasErrors() {
			fmt.Println()
			output.PrintError("Encountered failed download(s)")
			os.Exit(1)
		}
	},
}

// waitOrCancel blocks until done is signalled or the process is
// interrupted; on interrupt it runs cancel and returns without waiting
// for completion callbacks (cancellation fires none).
func waitOrCancel(done <-chan struct{}, cancel func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	select {
	case <-done:
	case <-sigCh:
		cancel()
		output.PrintWarning("Interrupted, downloads cancelled")
	}
}

// configureTransports rebinds the scheme registry with the flag-derived
// client configuration.
func configureTransports() {
	// Split credentials embedded in the proxy URL, same precedence as
	// explicit flags.
	parsedProxy, err := u.Parse(proxyURL)
	if err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxyURL = parsedProxy.String()
	}
	httpClientConfig := utils.HTTPClientConfig{
		Timeout:       timeout,
		KATimeout:     kaTimeout,
		ProxyURL:      proxyURL,
		ProxyUsername: proxyUsername,
		ProxyPassword: proxyPassword,
		UserAgent:     userAgent,
		Headers:       utils.ParseHeaderArgs(headers),
	}
	httpTransport := transport.NewHTTPTransport(httpClientConfig)
	transport.Register("http", httpTransport)
	transport.Register("https", httpTransport)
	transport.Register("s3", transport.NewS3Transport(awsProfile))
}

// writeDownload persists a finished download's buffer to a file named
// after the URL path, renewing the name on collision.
func writeDownload(d *download.Download, dir string) error {
	name := ""
	if ctxPath, ok := d.Context().(string); ok && ctxPath != "" {
		name = ctxPath
	} else {
		name = filepath.Base(d.Request().URL.Path)
		if name == "" || name == "." || name == "/" {
			name = d.ID()
		}
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		path = utils.RenewOutputPath(path)
	}
	if err := os.WriteFile(path, d.Data(), 0644); err != nil {
		return fmt.Errorf("error writing output file: %w", err)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newBatchCmd())

	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", ".", "Output directory for downloaded files")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks one)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&awsProfile, "profile", "default", "AWS shared config profile for s3:// URLs")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
