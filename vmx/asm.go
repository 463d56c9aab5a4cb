package vmx

// The functions below are implemented in asm_amd64.s. They are the narrow
// assembly boundary for privileged instructions Go cannot express directly:
// RDMSR/WRMSR, CR0/CR4 access, and the VMX instruction set itself. Each
// VM-instruction wrapper returns a uint8 success flag (1 = succeeded, 0 =
// VMfailInvalid or VMfailValid per RFLAGS.CF/ZF) rather than an error, so
// that vmx.go's exported wrappers stay the only place translating hardware
// flags into Go errors.

func rdmsr(addr uint32) uint64
func wrmsr(addr uint32, value uint64)

func readCR0() uint64
func writeCR0(v uint64)
func readCR3() uint64
func writeCR3(v uint64)
func readCR4() uint64
func writeCR4(v uint64)
func writeCR2(v uint64)

func writeDR0(v uint64)
func writeDR1(v uint64)
func writeDR2(v uint64)
func writeDR3(v uint64)
func writeDR6(v uint64)
func writeDR7(v uint64)

// segCS, segSS, segDS, segES, segFS, segGS, segTR and segLDTR read the
// current selector out of the eponymous segment register.
func segCS() uint16
func segSS() uint16
func segDS() uint16
func segES() uint16
func segFS() uint16
func segGS() uint16
func segTR() uint16
func segLDTR() uint16

func sgdt() (base uint64, limit uint16)
func sidt() (base uint64, limit uint16)

// lar returns the LAR-format access rights for selector, and whether the
// selector resolved to a valid, present descriptor (LAR's ZF=1 convention).
func lar(selector uint16) (accessRights uint32, ok uint8)

// lsl returns the segment limit for selector, and whether it resolved.
func lsl(selector uint16) (limit uint32, ok uint8)

func vmxon(pa uint64) uint8
func vmxoff() uint8
func vmclear(pa uint64) uint8
func vmptrld(pa uint64) uint8
func vmread(encoding uint64) (value uint64, ok uint8)
func vmwrite(encoding, value uint64) uint8
func vmlaunch() uint8
func vmresume() uint8
