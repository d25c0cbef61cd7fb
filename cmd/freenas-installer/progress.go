package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/freenas/ix-installer/internal/install"
)

var stateTitles = map[install.State]string{
	install.StagingUpgrade:            "Saving configuration of the current installation",
	install.Provisioning:              "Preparing boot devices",
	install.CreatingEnvironment:       "Creating boot environment",
	install.Mounted:                   "Mounting boot environment",
	install.RestoringConfig:           "Restoring configuration",
	install.DeployingPackages:         "Installing packages",
	install.ConfiguringFstabAndLoader: "Configuring filesystems and loader",
	install.InstallingBootLoader:      "Installing boot loader",
	install.Finalizing:                "Finalizing",
	install.Exported:                  "Boot pool exported",
	install.Aborting:                  "Aborting installation",
}

// presenter renders install events on a terminal. Package progress is drawn
// as a bar when out is a terminal and as plain lines otherwise.
type presenter struct {
	out io.Writer
	tty bool
	bar *progressbar.ProgressBar
}

func (p *presenter) Notify(e install.Event) {
	switch e.Kind {
	case install.EventState:
		p.finishBar()
		title, ok := stateTitles[e.State]
		if !ok {
			title = e.State.String()
		}
		c := color.New(color.FgCyan, color.Bold)
		if e.State == install.Aborting {
			c = color.New(color.FgRed, color.Bold)
		}
		c.Fprintf(p.out, "==> %s\n", title)
	case install.EventMessage:
		p.finishBar()
		fmt.Fprintf(p.out, "    %s\n", e.Message)
	case install.EventPackage:
		p.finishBar()
		desc := fmt.Sprintf("    [%d/%d] %s", e.Package.Index+1, len(e.Package.Packages), e.Package.Name)
		if !p.tty {
			fmt.Fprintln(p.out, desc)
			return
		}
		p.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(desc),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	case install.EventObject:
		if p.bar == nil {
			return
		}
		if e.Object.Done {
			p.finishBar()
			return
		}
		if e.Object.Total > 0 && p.bar.GetMax() != e.Object.Total {
			p.bar.ChangeMax(e.Object.Total)
		}
		_ = p.bar.Set(e.Object.Index)
	case install.EventAdvisory:
		p.finishBar()
		color.New(color.FgYellow).Fprintf(p.out, "    warning: %s\n", e.Message)
	}
}

func (p *presenter) finishBar() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.bar = nil
}

func printReport(w io.Writer, product string, r *install.Report) {
	if r.Upgrade {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "\n%s upgrade complete\n", product)
	} else {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "\n%s installation complete\n", product)
	}
	fmt.Fprintf(w, "Boot environment %s on %v (took %s)\n", r.Environment, r.Disks, r.Duration.Round(time.Second))
	if len(r.Advisories) > 0 {
		color.New(color.FgYellow).Fprintf(w, "%d step(s) finished with warnings:\n", len(r.Advisories))
		for _, a := range r.Advisories {
			fmt.Fprintf(w, "  - %s: %v\n", a.Step, a.Err)
		}
	}
	if r.JournalPath != "" {
		fmt.Fprintf(w, "Install journal: %s\n", r.JournalPath)
	}
	fmt.Fprintln(w, "Please reboot and remove the installation media.")
}
