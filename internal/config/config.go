package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	GiB = int64(1) << 30

	// DefaultPath is where the installer looks for its configuration file.
	DefaultPath = "/etc/ix-installer.yaml"
	// DefaultAvatarPath holds the product branding of the install media.
	DefaultAvatarPath = "/etc/avatar.conf"
)

// Product is the branding the installer runs under. It is built once at startup
// and passed to every component that prints or decides on the product name.
type Product struct {
	Name string
}

// Title is the caption used for installer dialogs and banners.
func (p Product) Title() string { return p.Name + " Installer" }

// IsTrueNAS reports whether the enterprise partition layout applies.
func (p Product) IsTrueNAS() bool { return p.Name == "TrueNAS" }

// Tools names the external programs the installer drives.
type Tools struct {
	Zpool        string `yaml:"zpool"`
	Zfs          string `yaml:"zfs"`
	Sgdisk       string `yaml:"sgdisk"`
	Mdadm        string `yaml:"mdadm"`
	MkfsVfat     string `yaml:"mkfsVfat"`
	Fatlabel     string `yaml:"fatlabel"`
	Udevadm      string `yaml:"udevadm"`
	Mount        string `yaml:"mount"`
	Umount       string `yaml:"umount"`
	GrubInstall  string `yaml:"grubInstall"`
	GrubMkconfig string `yaml:"grubMkconfig"`
	Beadm        string `yaml:"beadm"`
	Netcli       string `yaml:"netcli"`
}

// Config is the resolved installer configuration.
type Config struct {
	Product  Product
	LogLevel zerolog.Level
	LogFile  string

	PoolName      string
	CacheFile     string
	BootCacheFile string
	DataDir       string
	PackageDir    string
	JournalDir    string
	MetricsFile   string
	AvatarPath    string

	MinDiskBytes   int64
	MinMemoryBytes uint64
	GrubFiles      []string

	Tools Tools
}

type fileConfig struct {
	Product string `yaml:"product"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Pool struct {
		Name          string `yaml:"name"`
		CacheFile     string `yaml:"cacheFile"`
		BootCacheFile string `yaml:"bootCacheFile"`
	} `yaml:"pool"`
	Paths struct {
		Data     string `yaml:"data"`
		Packages string `yaml:"packages"`
		Journal  string `yaml:"journal"`
		Metrics  string `yaml:"metrics"`
		Avatar   string `yaml:"avatar"`
	} `yaml:"paths"`
	Limits struct {
		MinDisk   string `yaml:"minDisk"`
		MinMemory string `yaml:"minMemory"`
	} `yaml:"limits"`
	GrubFiles []string `yaml:"grubFiles"`
	Tools     Tools    `yaml:"tools"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Product:        Product{Name: "FreeNAS"},
		LogLevel:       zerolog.InfoLevel,
		LogFile:        "/tmp/install.log",
		PoolName:       "freenas-boot",
		CacheFile:      "/tmp/zpool.cache",
		BootCacheFile:  "/boot/zfs/rpool.cache",
		DataDir:        "/data",
		PackageDir:     "/.mount/FreeNAS/Packages",
		JournalDir:     "/tmp",
		MetricsFile:    "/tmp/install.prom",
		AvatarPath:     DefaultAvatarPath,
		MinDiskBytes:   4 * GiB,
		MinMemoryBytes: uint64(7 * GiB),
		GrubFiles: []string{
			"usr/local/sbin/beadm",
			"conf/base/etc/local/grub.d/10_ktrueos",
		},
		Tools: Tools{
			Zpool:        "zpool",
			Zfs:          "zfs",
			Sgdisk:       "sgdisk",
			Mdadm:        "mdadm",
			MkfsVfat:     "mkfs.vfat",
			Fatlabel:     "fatlabel",
			Udevadm:      "udevadm",
			Mount:        "mount",
			Umount:       "umount",
			GrubInstall:  "grub-install",
			GrubMkconfig: "grub-mkconfig",
			Beadm:        "beadm",
			Netcli:       "/etc/netcli",
		},
	}
}

// Load reads path (a missing file is not an error), applies it over the defaults,
// then applies FREENAS_INSTALLER_* environment overrides. The product name comes
// from the avatar file unless the config file or environment set it.
func Load(path string) (Config, error) {
	cfg := Defaults()
	productSet := false

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := fc.apply(&cfg); err != nil {
				return cfg, err
			}
			productSet = fc.Product != ""
		}
	}

	if v := os.Getenv("FREENAS_INSTALLER_PROJECT"); v != "" {
		cfg.Product.Name = v
		productSet = true
	}
	if !productSet {
		if name, ok := LoadAvatar(cfg.AvatarPath)["AVATAR_PROJECT"]; ok && name != "" {
			cfg.Product.Name = name
		}
	}
	if v := os.Getenv("FREENAS_INSTALLER_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("FREENAS_INSTALLER_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("FREENAS_INSTALLER_POOL"); v != "" {
		cfg.PoolName = v
	}
	if v := os.Getenv("FREENAS_INSTALLER_PACKAGES"); v != "" {
		cfg.PackageDir = v
	}
	if v := os.Getenv("FREENAS_INSTALLER_MIN_MEMORY"); v != "" {
		if n, err := ParseSize(v); err == nil {
			cfg.MinMemoryBytes = uint64(n)
		}
	}
	if cfg.PackageDir == Defaults().PackageDir {
		cfg.PackageDir = "/.mount/" + cfg.Product.Name + "/Packages"
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.Product != "" {
		cfg.Product.Name = fc.Product
	}
	if fc.Logging.Level != "" {
		l, err := zerolog.ParseLevel(fc.Logging.Level)
		if err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
		cfg.LogLevel = l
	}
	setString(&cfg.LogFile, fc.Logging.File)
	setString(&cfg.PoolName, fc.Pool.Name)
	setString(&cfg.CacheFile, fc.Pool.CacheFile)
	setString(&cfg.BootCacheFile, fc.Pool.BootCacheFile)
	setString(&cfg.DataDir, fc.Paths.Data)
	setString(&cfg.PackageDir, fc.Paths.Packages)
	setString(&cfg.JournalDir, fc.Paths.Journal)
	setString(&cfg.MetricsFile, fc.Paths.Metrics)
	setString(&cfg.AvatarPath, fc.Paths.Avatar)
	if fc.Limits.MinDisk != "" {
		n, err := ParseSize(fc.Limits.MinDisk)
		if err != nil {
			return fmt.Errorf("limits.minDisk: %w", err)
		}
		cfg.MinDiskBytes = n
	}
	if fc.Limits.MinMemory != "" {
		n, err := ParseSize(fc.Limits.MinMemory)
		if err != nil {
			return fmt.Errorf("limits.minMemory: %w", err)
		}
		cfg.MinMemoryBytes = uint64(n)
	}
	if len(fc.GrubFiles) > 0 {
		cfg.GrubFiles = fc.GrubFiles
	}
	t := &cfg.Tools
	for dst, src := range map[*string]string{
		&t.Zpool: fc.Tools.Zpool, &t.Zfs: fc.Tools.Zfs, &t.Sgdisk: fc.Tools.Sgdisk,
		&t.Mdadm: fc.Tools.Mdadm, &t.MkfsVfat: fc.Tools.MkfsVfat, &t.Fatlabel: fc.Tools.Fatlabel,
		&t.Udevadm: fc.Tools.Udevadm, &t.Mount: fc.Tools.Mount, &t.Umount: fc.Tools.Umount,
		&t.GrubInstall: fc.Tools.GrubInstall, &t.GrubMkconfig: fc.Tools.GrubMkconfig,
		&t.Beadm: fc.Tools.Beadm, &t.Netcli: fc.Tools.Netcli,
	} {
		setString(dst, src)
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

// ParseSize parses a byte count with an optional k/m/g/t suffix (powers of 1024).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := int64(1)
	switch strings.ToLower(s[len(s)-1:]) {
	case "k":
		mult = 1 << 10
	case "m":
		mult = 1 << 20
	case "g":
		mult = 1 << 30
	case "t":
		mult = 1 << 40
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
