package launch

import (
	"encoding/base64"
	"fmt"

	"github.com/onecompany/gpt/internal/memzero"
	"github.com/onecompany/gpt/pkg/seed"
)

// VM resource allocation. Not exposed as a tunable since every node in
// the fleet runs an identical measured configuration.
const (
	Cores    = 4
	MemoryMB = 8192
)

// SEV-SNP guest policy bitmask.
//
//	bit 16  SMT allowed           1  (compatibility: hosts commonly run SMT)
//	bit 17  reserved              1  (required by the SEV-SNP ABI)
//	bit 18  migration allowed     0  (state export/migration forbidden)
//	bit 19  debug allowed         0  (hypervisor must not read guest memory)
//	bit 22  AES-256-XTS required  1  (strongest available memory encryption)
const Policy uint32 = 1<<16 | 1<<17 | 1<<22

const (
	cbitPosition     = 51
	reducedPhysBits  = 1
	qemuBinary       = "/usr/bin/qemu-system-x86_64"
	bootAppend       = "console=ttyS0 root=/dev/ram0 panic=1"
	guestServicePort = 8000
)

// Envelope holds everything needed to assemble a hypervisor argument
// vector for one node launch.
type Envelope struct {
	NodeID   uint64
	HostPort uint16
	Assets   AssetPaths
	Seed     seed.Seed
}

// BuildArgv assembles the QEMU command line. The host-data block
// (node_id || seed) and the receiver's copy of the seed are zeroed as
// soon as the block has been base64-encoded into the argument string.
func (e Envelope) BuildArgv() []string {
	block := seed.BuildHostData(e.NodeID, e.Seed)
	hostDataB64 := base64.StdEncoding.EncodeToString(block[:])
	memzero.Array32(&block)
	e.Seed.Zero()

	name := fmt.Sprintf("gpt_node_%d", e.NodeID)
	smp := fmt.Sprintf("cpus=%d,sockets=1,cores=%d,threads=1,maxcpus=%d", Cores, Cores, Cores)
	memObj := fmt.Sprintf("memory-backend-memfd,id=ram1,size=%dM,share=true,prealloc=on", MemoryMB)
	sevObj := fmt.Sprintf(
		"sev-snp-guest,id=sev0,cbitpos=%d,reduced-phys-bits=%d,host-data=%s,policy=0x%x,kernel-hashes=on",
		cbitPosition, reducedPhysBits, hostDataB64, Policy,
	)
	hostfwd := fmt.Sprintf("user,id=vmnic,hostfwd=tcp::%d-:%d", e.HostPort, guestServicePort)

	return []string{
		qemuBinary,
		"-name", name,
		"-enable-kvm",
		"-cpu", "EPYC-Milan,host-phys-bits=on,pmu=off",
		"-smp", smp,
		"-machine", "q35,confidential-guest-support=sev0,vmport=off",
		"-object", memObj,
		"-machine", "memory-backend=ram1",
		"-object", sevObj,
		"-bios", e.Assets.OVMF,
		"-kernel", e.Assets.Kernel,
		"-initrd", e.Assets.Initrd,
		"-append", bootAppend,
		"-netdev", hostfwd,
		"-device", "virtio-net-pci,disable-legacy=on,iommu_platform=true,netdev=vmnic,romfile=",
		"-nographic",
		"-serial", "mon:stdio",
		"-monitor", "pty",
		"-monitor", "unix:monitor,server,nowait",
		"-no-reboot",
	}
}
