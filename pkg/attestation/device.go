package attestation

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/onecompany/gpt/internal/gpterrors"
)

// Device-level constants for /dev/sev-guest, matching the kernel ABI in
// include/uapi/linux/sev-guest.h.
const (
	guestDevicePath = "/dev/sev-guest"
	ioctlGetReport  = 0xC0205300 // SNP_GET_REPORT
)

// snpReportReq/snpGuestRequestIoctl mirror the kernel's snp_report_req /
// snp_guest_request_ioctl structs closely enough to round-trip through the
// ioctl; padding matches the ABI's reserved fields. The response is read
// into a raw buffer the size of the kernel's snp_report_resp.
type snpReportReq struct {
	ReportData [ReportDataSize]byte
	VMPL       uint32
	_          [28]byte
}

type snpGuestRequestIoctl struct {
	MsgVersion uint8
	_          [7]byte
	ReqData    uint64
	RespData   uint64
	FWErr      uint64
}

// GuestDevice acquires attestation reports from the local SEV-SNP guest
// kernel device.
type GuestDevice struct {
	// Path overrides guestDevicePath; tests point this at a fake device.
	Path string
}

func (d *GuestDevice) path() string {
	if d.Path != "" {
		return d.Path
	}
	return guestDevicePath
}

// GetReport implements ReportSource against the real hardware device.
func (d *GuestDevice) GetReport(ctx context.Context, reportData [ReportDataSize]byte) ([]byte, error) {
	f, err := os.OpenFile(d.path(), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gpterrors.New("attestation", gpterrors.CategoryAttestation,
				fmt.Sprintf("sev guest device %s not found", d.path()))
		}
		return nil, gpterrors.Wrap("attestation", gpterrors.CategoryAttestation, "open_guest_device", err)
	}
	defer f.Close()

	// VMPL 1: reports are requested at the non-privileged level so a
	// compromised workload cannot impersonate the more-privileged VMPL 0
	// firmware components.
	req := snpReportReq{ReportData: reportData, VMPL: 1}
	resp := make([]byte, 4000) // snp_report_resp: a 0x20-byte response header, then the report

	ioctlReq := snpGuestRequestIoctl{
		MsgVersion: 1,
		ReqData:    uint64(uintptr(unsafe.Pointer(&req))),
		RespData:   uint64(uintptr(unsafe.Pointer(&resp[0]))),
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlGetReport), uintptr(unsafe.Pointer(&ioctlReq)))
	if errno != 0 {
		return nil, gpterrors.Wrap("attestation", gpterrors.CategoryAttestation, "ioctl_get_report", errno)
	}
	if ioctlReq.FWErr != 0 {
		return nil, gpterrors.New("attestation", gpterrors.CategoryAttestation,
			fmt.Sprintf("firmware returned error code 0x%x", ioctlReq.FWErr))
	}

	// The kernel writes the 1184-byte ATTESTATION_REPORT starting at a
	// fixed offset into the response buffer; skip the response header.
	const respHeaderSize = 0x20
	if len(resp) < respHeaderSize+ReportSize {
		return nil, gpterrors.New("attestation", gpterrors.CategoryAttestation, "short report from guest device")
	}
	return resp[respHeaderSize : respHeaderSize+ReportSize], nil
}
