package launch

import (
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/pkg/seed"
)

// Options configures a single node launch.
type Options struct {
	NodeID    uint64
	HostPort  uint16
	SeedPath  string
	AssetRoot string
	Assets    AssetSet
}

// Run ensures assets are cached, loads the host identity seed, assembles
// the hypervisor argv, scrubs sensitive temporaries, and then replaces the
// current process image with the hypervisor via execve. It does not
// return on success: the calling process becomes QEMU. On any pre-launch
// failure it returns an error and the process is expected to exit
// non-zero; retry policy belongs to the service manager (systemd), not to
// this package.
func Run(log zerolog.Logger, opts Options) error {
	log.Info().Msg("verifying VM assets")
	assetPaths, err := EnsureAssets(opts.AssetRoot, opts.Assets)
	if err != nil {
		return gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "ensure_assets", err)
	}

	log.Info().Msg("loading host identity seed")
	path := seed.ResolvePath(opts.SeedPath)
	s, err := seed.LoadWithWarning(path, func(msg string) { log.Warn().Msg(msg) })
	if err != nil {
		return gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "load_seed", err).
			WithContext("path", path)
	}

	env := Envelope{
		NodeID:   opts.NodeID,
		HostPort: opts.HostPort,
		Assets:   assetPaths,
		Seed:     s,
	}
	argv := env.BuildArgv()

	// The seed has been copied into env.Seed and consumed into the
	// base64 host-data string already baked into argv; scrub both local
	// copies before we hand control to the hypervisor.
	s.Zero()
	env.Seed.Zero()

	log.Info().
		Uint64("node_id", opts.NodeID).
		Uint16("host_port", opts.HostPort).
		Msg("replacing process image with hypervisor")

	if err := unix.Exec(qemuBinary, argv, os.Environ()); err != nil {
		return gpterrors.Wrap(module, gpterrors.CategoryConfiguration, "exec_hypervisor", err)
	}

	// unix.Exec only returns on failure.
	return nil
}
