package failover

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ParseLine parses one "address:port/securePort" line.
func ParseLine(line string) (ServerEntry, error) {
	line = strings.TrimSpace(line)

	slash := strings.LastIndexByte(line, '/')
	if slash < 0 {
		return ServerEntry{}, fmt.Errorf("missing secure port in %q", line)
	}
	colon := strings.LastIndexByte(line[:slash], ':')
	if colon <= 0 {
		return ServerEntry{}, fmt.Errorf("missing address or port in %q", line)
	}

	address := strings.TrimSuffix(strings.TrimPrefix(line[:colon], "["), "]")
	if address == "" {
		return ServerEntry{}, fmt.Errorf("empty address in %q", line)
	}
	port, err := parsePort(line[colon+1 : slash])
	if err != nil {
		return ServerEntry{}, fmt.Errorf("port in %q: %w", line, err)
	}
	securePort, err := parsePort(line[slash+1:])
	if err != nil {
		return ServerEntry{}, fmt.Errorf("secure port in %q: %w", line, err)
	}

	return ServerEntry{
		ServerID:   UnknownServerID,
		Address:    address,
		Port:       port,
		SecurePort: securePort,
	}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("%d out of range", p)
	}
	return p, nil
}

// Parse reads a failover list, one server per line. Blank lines and lines
// starting with '#' are ignored; malformed lines are skipped and logged.
func Parse(r io.Reader) (*List, error) {
	var servers []ServerEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := ParseLine(line)
		if err != nil {
			log.Warn().Err(err).Int("line", lineNo).Msg("Skipping malformed failover entry")
			continue
		}
		servers = append(servers, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read failover list: %w", err)
	}
	return NewList(servers...), nil
}

// ParseLines builds a list from already split lines, as sent by the server.
func ParseLines(lines []string) (*List, error) {
	return Parse(strings.NewReader(strings.Join(lines, "\n")))
}

// Serialize writes l in the text format, one entry per line.
func Serialize(w io.Writer, l *List) error {
	bw := bufio.NewWriter(w)
	for _, s := range l.Servers() {
		if _, err := bw.WriteString(s.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Lines renders each entry in the text format.
func (l *List) Lines() []string {
	servers := l.Servers()
	lines := make([]string, len(servers))
	for i, s := range servers {
		lines[i] = s.String()
	}
	return lines
}

func (l *List) String() string {
	var b strings.Builder
	_ = Serialize(&b, l)
	return b.String()
}
