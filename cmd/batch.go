package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/downstack/downstack/internal/download"
	"github.com/downstack/downstack/internal/output"
	"github.com/downstack/downstack/internal/utils"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
}

// BatchFile maps stack ids to their download entries. Every top-level
// key becomes one stack, performed concurrently with the others.
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Download multiple stacks from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			utils.InitLogger(debug)
			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading YAML file: %v\n", err)
				os.Exit(1)
			}
			batchFile, err := parseBatchFile(data)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing YAML file: %v\n", err)
				os.Exit(1)
			}
			if err := runBatch(batchFile); err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
		},
	}
	return cmd
}

func parseBatchFile(data []byte) (BatchFile, error) {
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, err
	}
	for stackID, entries := range batchFile {
		if stackID == "" {
			return nil, fmt.Errorf("empty stack id in batch file")
		}
		valid := entries[:0]
		for _, entry := range entries {
			if entry.Link == "" {
				fmt.Fprintf(os.Stderr, "Warning: Empty link in stack %q, skipping...\n", stackID)
				continue
			}
			valid = append(valid, entry)
		}
		batchFile[stackID] = valid
	}
	return batchFile, nil
}

func runBatch(batchFile BatchFile) error {
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	configureTransports()

	mgr := download.Shared()
	outputMgr := output.NewManager()

	var wg sync.WaitGroup
	started := 0
	outputMgr.StartDisplay()
	for stackID, entries := range batchFile {
		downloads := make([]*download.Download, 0, len(entries))
		for _, entry := range entries {
			// The entry's output path rides along as the download's
			// opaque context value; the write callback picks it up.
			d, err := download.NewWithContext(entry.Link, entry.OutputPath)
			if err != nil {
				output.PrintError(fmt.Sprintf("Skipping %s: %v", entry.Link, err))
				continue
			}
			id := d.ID()
			d.SetProgressFunc(func(received int64) {
				outputMgr.SetProgress(id, received)
			})
			outputMgr.Register(d.ID(), entry.Link, stackID)
			downloads = append(downloads, d)
		}
		if len(downloads) == 0 {
			continue
		}
		wg.Add(1)
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
				wg.Done()
			},
		}
		if err := mgr.PerformStack(downloads, delegate, stackID); err != nil {
			output.PrintError(fmt.Sprintf("Stack %q not started: %v", stackID, err))
			wg.Done()
			continue
		}
		started++
	}
	if started == 0 {
		outputMgr.StopDisplay()
		return fmt.Errorf("no valid downloads found in the batch file")
	}
	wg.Wait()
	outputMgr.StopDisplay()
	if outputMgr.HasErrors() {
		return fmt.Errorf("encountered failed download(s)")
	}
	return nil
}
