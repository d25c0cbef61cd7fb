package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/fatih/color"

	"github.com/freenas/ix-installer/internal/config"
	"github.com/freenas/ix-installer/internal/install"
)

var errCancelled = errors.New("installation cancelled by user")

const (
	choiceUpgrade    = "Upgrade Install"
	choiceFresh      = "Fresh Install"
	choiceNewBE      = "Install in new boot environment"
	choiceFormat     = "Format the boot device"
	choiceBootEFI    = "Boot via UEFI"
	choiceBootLegacy = "Boot via BIOS"
)

func ask(p survey.Prompt, v any, opts ...survey.AskOpt) error {
	if err := survey.AskOne(p, v, opts...); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return errCancelled
		}
		return err
	}
	return nil
}

func askConfirm(msg string, def bool) (bool, error) {
	ok := def
	err := ask(&survey.Confirm{Message: msg, Default: def}, &ok)
	return ok, err
}

// promptRequest walks the operator through upgrade, disk, boot and password
// choices and fills req.
func promptRequest(ctx context.Context, o *install.Orchestrator, cfg config.Config, cs []candidate, req *install.Request) error {
	product := cfg.Product

	if pool, err := o.ZFS.Find(ctx, cfg.PoolName); err == nil {
		upgradable, err := o.Migrator.Probe(ctx, pool, product)
		if err != nil {
			o.Logger.Warn().Err(err).Str("pool", pool.String()).Msg("could not inspect existing installation")
		}
		if upgradable {
			var choice string
			if err := ask(&survey.Select{
				Message: fmt.Sprintf("An existing %s installation was found.", product.Name),
				Options: []string{choiceUpgrade, choiceFresh},
				Default: choiceUpgrade,
			}, &choice); err != nil {
				return err
			}
			if choice == choiceUpgrade {
				req.Upgrade = true
				req.UpgradeFrom = &pool
				if err := ask(&survey.Select{
					Message: "Upgrade in place or reformat the boot device?",
					Options: []string{choiceNewBE, choiceFormat},
					Default: choiceNewBE,
					Help:    "A new boot environment keeps the previous one selectable at boot.",
				}, &choice); err != nil {
					return err
				}
				if choice == choiceNewBE {
					return nil
				}
			}
		}
	}

	var options []string
	for _, c := range cs {
		if c.usable() {
			options = append(options, c.label())
		}
	}
	if len(options) == 0 {
		return &install.ValidationError{Code: install.NoTarget, Message: "no disks are suitable for installation"}
	}
	var picked []string
	if err := ask(&survey.MultiSelect{
		Message: "Choose destination media (select two or more for a mirror):",
		Options: options,
	}, &picked, survey.WithValidator(survey.MinItems(1))); err != nil {
		return err
	}
	for _, label := range picked {
		for _, c := range cs {
			if c.usable() && c.label() == label {
				req.Disks = append(req.Disks, c.Disk)
			}
		}
	}

	def := choiceBootLegacy
	if bootedEFI() {
		def = choiceBootEFI
	}
	var boot string
	if err := ask(&survey.Select{
		Message: "Boot mode:",
		Options: []string{choiceBootEFI, choiceBootLegacy},
		Default: def,
	}, &boot); err != nil {
		return err
	}
	req.EFI = boot == choiceBootEFI

	names := make([]string, len(req.Disks))
	for i, d := range req.Disks {
		names[i] = d.Name
	}
	color.Red("\nWARNING: this erases ALL partitions and data on %s.", strings.Join(names, ", "))
	if req.Upgrade {
		fmt.Println("The current configuration is saved and restored onto the new installation.")
	}
	ok, err := askConfirm("Proceed with the installation?", false)
	if err != nil {
		return err
	}
	if !ok {
		return errCancelled
	}

	if !req.Upgrade {
		return promptPassword(req)
	}
	return nil
}

func promptPassword(req *install.Request) error {
	for {
		var pw, again string
		if err := ask(&survey.Password{Message: "Root password (empty to set it later):"}, &pw); err != nil {
			return err
		}
		if pw == "" {
			return nil
		}
		if err := ask(&survey.Password{Message: "Confirm root password:"}, &again); err != nil {
			return err
		}
		if pw == again {
			req.Password = &pw
			return nil
		}
		color.Yellow("Passwords do not match, try again.")
	}
}
