package install

// State is a stage of an install run.
type State int

const (
	Idle State = iota
	StagingUpgrade
	Provisioning
	CreatingEnvironment
	Mounted
	RestoringConfig
	DeployingPackages
	ConfiguringFstabAndLoader
	InstallingBootLoader
	Finalizing
	Exported
	Aborting
)

var stateNames = [...]string{
	Idle:                      "Idle",
	StagingUpgrade:            "StagingUpgrade",
	Provisioning:              "Provisioning",
	CreatingEnvironment:       "CreatingEnvironment",
	Mounted:                   "Mounted",
	RestoringConfig:           "RestoringConfig",
	DeployingPackages:         "DeployingPackages",
	ConfiguringFstabAndLoader: "ConfiguringFstabAndLoader",
	InstallingBootLoader:      "InstallingBootLoader",
	Finalizing:                "Finalizing",
	Exported:                  "Exported",
	Aborting:                  "Aborting",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool { return s == Exported }
