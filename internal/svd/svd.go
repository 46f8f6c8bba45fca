// Package svd reads CMSIS-SVD device descriptions and names peripheral
// registers by address.
package svd

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Device is a parsed SVD file. It is never mutated after Load.
type Device struct {
	Name        string
	Vendor      string
	Description string
	CPU         CPU
	Peripherals []*Peripheral

	index []*Register // every register, sorted by absolute address
}

type CPU struct {
	Name          string
	Revision      string
	Endian        string
	MPUPresent    bool
	FPUPresent    bool
	NVICPrioBits  int
	NumInterrupts int // from <deviceNumInterrupts>, 0 if absent
}

type Peripheral struct {
	Name        string
	Description string
	Group       string
	Base        uint32
	DerivedFrom string
	Interrupts  []Interrupt
	Registers   []*Register
}

type Interrupt struct {
	Name        string
	Description string
	Value       int
}

type Register struct {
	Name        string
	Description string
	Offset      uint32
	Size        int // bits
	Access      string
	Reset       uint32
	Fields      []Field

	Peripheral *Peripheral
}

// Addr returns the absolute address of the register.
func (r *Register) Addr() uint32 {
	return r.Peripheral.Base + r.Offset
}

func (r *Register) bytes() uint32 {
	if r.Size <= 0 {
		return 4
	}
	return uint32(r.Size+7) / 8
}

type Field struct {
	Name        string
	Description string
	BitOffset   int
	BitWidth    int
	Access      string
}

// xml shapes

type xmlDevice struct {
	Name        string          `xml:"name"`
	Vendor      string          `xml:"vendor"`
	Description string          `xml:"description"`
	Size        string          `xml:"size"`
	Access      string          `xml:"access"`
	CPU         xmlCPU          `xml:"cpu"`
	Peripherals []xmlPeripheral `xml:"peripherals>peripheral"`
}

type xmlCPU struct {
	Name                string `xml:"name"`
	Revision            string `xml:"revision"`
	Endian              string `xml:"endian"`
	MPUPresent          string `xml:"mpuPresent"`
	FPUPresent          string `xml:"fpuPresent"`
	NVICPrioBits        string `xml:"nvicPrioBits"`
	DeviceNumInterrupts string `xml:"deviceNumInterrupts"`
}

type xmlPeripheral struct {
	DerivedFrom string         `xml:"derivedFrom,attr"`
	Name        string         `xml:"name"`
	Description string         `xml:"description"`
	GroupName   string         `xml:"groupName"`
	BaseAddress string         `xml:"baseAddress"`
	Size        string         `xml:"size"`
	Access      string         `xml:"access"`
	Interrupts  []xmlInterrupt `xml:"interrupt"`
	Registers   []xmlRegister  `xml:"registers>register"`
}

type xmlInterrupt struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Value       string `xml:"value"`
}

type xmlRegister struct {
	Name          string     `xml:"name"`
	DisplayName   string     `xml:"displayName"`
	Description   string     `xml:"description"`
	AddressOffset string     `xml:"addressOffset"`
	Size          string     `xml:"size"`
	Access        string     `xml:"access"`
	ResetValue    string     `xml:"resetValue"`
	Fields        []xmlField `xml:"fields>field"`
}

type xmlField struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	BitOffset   string `xml:"bitOffset"`
	BitWidth    string `xml:"bitWidth"`
	LSB         string `xml:"lsb"`
	MSB         string `xml:"msb"`
	BitRange    string `xml:"bitRange"`
	Access      string `xml:"access"`
}

// parseInt accepts decimal, 0x hex and the SVD "#0101" binary form.
func parseInt(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "#") {
		return strconv.ParseUint(s[1:], 2, 64)
	}
	if strings.HasPrefix(s, "0X") {
		s = "0x" + s[2:]
	}
	return strconv.ParseUint(s, 0, 64)
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Open parses the SVD file at path.
func Open(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open svd: %w", err)
	}
	defer f.Close()
	var x xmlDevice
	if err := xml.NewDecoder(f).Decode(&x); err != nil {
		return nil, fmt.Errorf("parse svd %s: %w", path, err)
	}
	return build(&x)
}

// Parse parses SVD XML from memory.
func Parse(data []byte) (*Device, error) {
	var x xmlDevice
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("parse svd: %w", err)
	}
	return build(&x)
}

func build(x *xmlDevice) (*Device, error) {
	d := &Device{
		Name:        x.Name,
		Vendor:      x.Vendor,
		Description: clean(x.Description),
		CPU: CPU{
			Name:       x.CPU.Name,
			Revision:   x.CPU.Revision,
			Endian:     x.CPU.Endian,
			MPUPresent: x.CPU.MPUPresent == "true" || x.CPU.MPUPresent == "1",
			FPUPresent: x.CPU.FPUPresent == "true" || x.CPU.FPUPresent == "1",
		},
	}
	if n, err := parseInt(x.CPU.NVICPrioBits); err == nil {
		d.CPU.NVICPrioBits = int(n)
	}
	if n, err := parseInt(x.CPU.DeviceNumInterrupts); err == nil {
		d.CPU.NumInterrupts = int(n)
	}

	byName := make(map[string]*xmlPeripheral, len(x.Peripherals))
	for i := range x.Peripherals {
		byName[x.Peripherals[i].Name] = &x.Peripherals[i]
	}
	defSize := 32
	if n, err := parseInt(x.Size); err == nil && n != 0 {
		defSize = int(n)
	}
	for i := range x.Peripherals {
		xp := &x.Peripherals[i]
		p, err := buildPeripheral(xp, byName, defSize, x.Access)
		if err != nil {
			return nil, err
		}
		d.Peripherals = append(d.Peripherals, p)
		d.index = append(d.index, p.Registers...)
	}
	sort.SliceStable(d.index, func(i, j int) bool { return d.index[i].Addr() < d.index[j].Addr() })
	return d, nil
}

func buildPeripheral(xp *xmlPeripheral, byName map[string]*xmlPeripheral, defSize int, defAccess string) (*Peripheral, error) {
	base, err := parseInt(xp.BaseAddress)
	if err != nil {
		return nil, fmt.Errorf("peripheral %s: base address %q: %w", xp.Name, xp.BaseAddress, err)
	}
	p := &Peripheral{
		Name:        xp.Name,
		Description: clean(xp.Description),
		Group:       xp.GroupName,
		Base:        uint32(base),
		DerivedFrom: xp.DerivedFrom,
	}

	// derivedFrom inherits everything the derived peripheral leaves out
	regs := xp.Registers
	src := xp
	for seen := 0; len(regs) == 0 && src.DerivedFrom != "" && seen < 8; seen++ {
		parent, ok := byName[src.DerivedFrom]
		if !ok {
			return nil, fmt.Errorf("peripheral %s: derivedFrom unknown %q", xp.Name, src.DerivedFrom)
		}
		if p.Description == "" {
			p.Description = clean(parent.Description)
		}
		if p.Group == "" {
			p.Group = parent.GroupName
		}
		regs = parent.Registers
		src = parent
	}

	for _, xi := range xp.Interrupts {
		v, err := parseInt(xi.Value)
		if err != nil {
			return nil, fmt.Errorf("peripheral %s: interrupt %s: %w", xp.Name, xi.Name, err)
		}
		p.Interrupts = append(p.Interrupts, Interrupt{Name: xi.Name, Description: clean(xi.Description), Value: int(v)})
	}

	if n, err := parseInt(xp.Size); err == nil && n != 0 {
		defSize = int(n)
	}
	if xp.Access != "" {
		defAccess = xp.Access
	}
	for _, xr := range regs {
		r, err := buildRegister(xr, defSize, defAccess)
		if err != nil {
			return nil, fmt.Errorf("peripheral %s: %w", xp.Name, err)
		}
		r.Peripheral = p
		p.Registers = append(p.Registers, r)
	}
	return p, nil
}

func buildRegister(xr xmlRegister, defSize int, defAccess string) (*Register, error) {
	off, err := parseInt(xr.AddressOffset)
	if err != nil {
		return nil, fmt.Errorf("register %s: offset %q: %w", xr.Name, xr.AddressOffset, err)
	}
	r := &Register{
		Name:        xr.Name,
		Description: clean(xr.Description),
		Offset:      uint32(off),
		Size:        defSize,
		Access:      xr.Access,
	}
	if r.Access == "" {
		r.Access = defAccess
	}
	if n, err := parseInt(xr.Size); err == nil && n != 0 {
		r.Size = int(n)
	}
	if v, err := parseInt(xr.ResetValue); err == nil {
		r.Reset = uint32(v)
	}
	for _, xf := range xr.Fields {
		f, err := buildField(xf)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", xr.Name, err)
		}
		r.Fields = append(r.Fields, f)
	}
	return r, nil
}

// buildField handles the three SVD bit-range styles.
func buildField(xf xmlField) (Field, error) {
	f := Field{Name: xf.Name, Description: clean(xf.Description), Access: xf.Access}
	switch {
	case xf.BitRange != "":
		var msb, lsb int
		if _, err := fmt.Sscanf(xf.BitRange, "[%d:%d]", &msb, &lsb); err != nil {
			return f, fmt.Errorf("field %s: bitRange %q: %w", xf.Name, xf.BitRange, err)
		}
		f.BitOffset, f.BitWidth = lsb, msb-lsb+1
	case xf.LSB != "" || xf.MSB != "":
		lsb, err1 := parseInt(xf.LSB)
		msb, err2 := parseInt(xf.MSB)
		if err1 != nil || err2 != nil {
			return f, fmt.Errorf("field %s: bad lsb/msb", xf.Name)
		}
		f.BitOffset, f.BitWidth = int(lsb), int(msb-lsb)+1
	default:
		off, err := parseInt(xf.BitOffset)
		if err != nil {
			return f, fmt.Errorf("field %s: bitOffset %q: %w", xf.Name, xf.BitOffset, err)
		}
		w, err := parseInt(xf.BitWidth)
		if err != nil {
			return f, fmt.Errorf("field %s: bitWidth %q: %w", xf.Name, xf.BitWidth, err)
		}
		if w == 0 {
			w = 1
		}
		f.BitOffset, f.BitWidth = int(off), int(w)
	}
	return f, nil
}

// NumInterrupts returns <deviceNumInterrupts> when present, else the
// highest interrupt number plus one.
func (d *Device) NumInterrupts() int {
	if d.CPU.NumInterrupts != 0 {
		return d.CPU.NumInterrupts
	}
	hi := -1
	for _, p := range d.Peripherals {
		for _, irq := range p.Interrupts {
			if irq.Value > hi {
				hi = irq.Value
			}
		}
	}
	return hi + 1
}

// Peripheral finds a peripheral by name.
func (d *Device) Peripheral(name string) *Peripheral {
	for _, p := range d.Peripherals {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

// Register returns the register covering addr.
func (d *Device) Register(addr uint32) *Register {
	i := sort.Search(len(d.index), func(i int) bool { return d.index[i].Addr() > addr })
	for j := i - 1; j >= 0 && j >= i-4; j-- {
		r := d.index[j]
		if addr-r.Addr() < r.bytes() {
			return r
		}
	}
	return nil
}

// Lookup names addr as "PERIPH.REG", "PERIPH.REG+1" for an interior byte,
// or "PERIPH+0x10" inside a peripheral block with no matching register.
func (d *Device) Lookup(addr uint32) (string, bool) {
	if r := d.Register(addr); r != nil {
		name := r.Peripheral.Name + "." + r.Name
		if off := addr - r.Addr(); off != 0 {
			name += fmt.Sprintf("+%d", off)
		}
		return name, true
	}
	var best *Peripheral
	for _, p := range d.Peripherals {
		if p.Base <= addr && addr-p.Base < 0x400 && (best == nil || p.Base > best.Base) {
			best = p
		}
	}
	if best != nil {
		return fmt.Sprintf("%s+0x%x", best.Name, addr-best.Base), true
	}
	return "", false
}

// DefaultDirs lists where Find looks when no directory is given: the
// colon-separated LORIS_SVD_PATH, then the cmsis-svd data checkout paths.
func DefaultDirs() []string {
	var dirs []string
	if env := os.Getenv("LORIS_SVD_PATH"); env != "" {
		dirs = append(dirs, filepath.SplitList(env)...)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "cmsis-svd", "data"))
	}
	return append(dirs, "/usr/share/cmsis-svd/data", "/usr/local/share/cmsis-svd/data")
}

// Find locates vendor/part (for example "STMicro", "STM32F103xx.svd") under
// dirs, trying <dir>/<vendor>/<part> then <dir>/<part>. A missing .svd
// suffix is added.
func Find(dirs []string, vendor, part string) (string, error) {
	if !strings.HasSuffix(strings.ToLower(part), ".svd") {
		part += ".svd"
	}
	if len(dirs) == 0 {
		dirs = DefaultDirs()
	}
	var tried []string
	for _, dir := range dirs {
		for _, p := range []string{filepath.Join(dir, vendor, part), filepath.Join(dir, part)} {
			tried = append(tried, p)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("svd %s/%s not found (tried %s)", vendor, part, strings.Join(tried, ", "))
}

// Load finds and opens vendor/part.
func Load(dirs []string, vendor, part string) (*Device, error) {
	path, err := Find(dirs, vendor, part)
	if err != nil {
		return nil, err
	}
	return Open(path)
}
