package pty

const maxTitleLen = 4096

type oscState int

const (
	oscGround oscState = iota
	oscEscape
	oscParam
	oscText
	oscTextEscape
)

// titleParser extracts window titles (OSC 0 and OSC 2) from a byte stream.
// Sequences may be split across reads.
type titleParser struct {
	state oscState
	param []byte
	text  []byte
}

// Feed consumes the next chunk of output and returns any titles it completed.
func (p *titleParser) Feed(chunk []byte) []string {
	var titles []string
	for _, b := range chunk {
		switch p.state {
		case oscGround:
			if b == 0x1b {
				p.state = oscEscape
			}
		case oscEscape:
			switch b {
			case ']':
				p.state = oscParam
				p.param = p.param[:0]
				p.text = p.text[:0]
			case 0x1b:
			default:
				p.state = oscGround
			}
		case oscParam:
			switch {
			case b >= '0' && b <= '9' && len(p.param) < 4:
				p.param = append(p.param, b)
			case b == ';':
				p.state = oscText
			case b == 0x1b:
				p.state = oscEscape
			default:
				p.state = oscGround
			}
		case oscText:
			switch b {
			case 0x07:
				titles = p.finish(titles)
			case 0x1b:
				p.state = oscTextEscape
			default:
				if len(p.text) < maxTitleLen {
					p.text = append(p.text, b)
				}
			}
		case oscTextEscape:
			if b == '\\' {
				titles = p.finish(titles)
				continue
			}
			// Unterminated sequence; restart on this byte.
			p.state = oscGround
			if b == 0x1b {
				p.state = oscEscape
			}
		}
	}
	return titles
}

func (p *titleParser) finish(titles []string) []string {
	p.state = oscGround
	switch string(p.param) {
	case "0", "2":
		titles = append(titles, string(p.text))
	}
	return titles
}
