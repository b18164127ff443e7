package inspect

import (
	"bytes"
	delf "debug/elf"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"tlog.app/go/errors"
)

// Write renders the ELF image data as tables.
func Write(w io.Writer, data []byte) error {
	f, err := delf.NewFile(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "parse elf")
	}

	defer f.Close()

	hdr := table.NewWriter()
	hdr.SetTitle("Header")
	hdr.AppendHeader(table.Row{"Type", "Machine", "Entry", "Segments", "Sections"})
	hdr.AppendRow(table.Row{f.Type, f.Machine, hex(f.Entry), len(f.Progs), len(f.Sections)})

	tables := []table.Writer{hdr}

	if len(f.Progs) != 0 {
		segs := table.NewWriter()
		segs.SetTitle("Segments")
		segs.AppendHeader(table.Row{"#", "Type", "Flags", "Offset", "Vaddr", "Paddr", "Filesz", "Memsz", "Align"})

		for i, p := range f.Progs {
			segs.AppendRow(table.Row{i, p.Type, p.Flags, hex(p.Off), hex(p.Vaddr), hex(p.Paddr), hex(p.Filesz), hex(p.Memsz), hex(p.Align)})
		}

		tables = append(tables, segs)
	}

	secs := table.NewWriter()
	secs.SetTitle("Sections")
	secs.AppendHeader(table.Row{"#", "Name", "Type", "Flags", "Addr", "Offset", "Size"})

	for i, s := range f.Sections {
		secs.AppendRow(table.Row{i, s.Name, s.Type, s.Flags, hex(s.Addr), hex(s.Offset), s.Size})
	}

	tables = append(tables, secs)

	syms, err := f.Symbols()
	switch {
	case err == delf.ErrNoSymbols:
	case err != nil:
		return errors.Wrap(err, "symbols")
	default:
		st := table.NewWriter()
		st.SetTitle("Symbols")
		st.AppendHeader(table.Row{"Name", "Bind", "Type", "Section", "Value", "Size"})

		for _, s := range syms {
			st.AppendRow(table.Row{s.Name, delf.ST_BIND(s.Info), delf.ST_TYPE(s.Info), section(f, s.Section), hex(s.Value), s.Size})
		}

		tables = append(tables, st)
	}

	for _, t := range tables {
		_, err = fmt.Fprintf(w, "%s\n\n", t.Render())
		if err != nil {
			return errors.Wrap(err, "write")
		}
	}

	return nil
}

func section(f *delf.File, i delf.SectionIndex) string {
	if i == delf.SHN_UNDEF {
		return "UND"
	}

	if int(i) < len(f.Sections) {
		return f.Sections[i].Name
	}

	return i.String()
}

func hex(x uint64) string {
	return fmt.Sprintf("%#x", x)
}
