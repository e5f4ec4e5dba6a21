package debugger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caffeineduck/scriptkv/resp"
)

// HumanReply renders a command reply in the human readable form the
// debugger logs: bulk strings quoted, aggregates bracketed, maps as
// key => value pairs.
func HumanReply(v resp.Value) string {
	var b strings.Builder
	humanReply(&b, v)
	return b.String()
}

func humanReply(b *strings.Builder, v resp.Value) {
	switch v.Kind {
	case resp.KindInteger:
		b.WriteString(strconv.FormatInt(v.Int, 10))
	case resp.KindBulk:
		b.WriteString(strconv.Quote(v.Str))
	case resp.KindSimpleString:
		b.WriteString(strconv.Quote("+" + v.Str))
	case resp.KindError:
		b.WriteString(strconv.Quote("-" + v.Str))
	case resp.KindNull:
		b.WriteString("NULL")
	case resp.KindArray:
		b.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				b.WriteByte(',')
			}
			humanReply(b, e)
		}
		b.WriteByte(']')
	case resp.KindSet:
		b.WriteString("~(")
		for i, e := range v.Elems {
			if i > 0 {
				b.WriteByte(',')
			}
			humanReply(b, e)
		}
		b.WriteByte(')')
	case resp.KindMap:
		b.WriteByte('{')
		for i := 0; i+1 < len(v.Elems); i += 2 {
			if i > 0 {
				b.WriteByte(',')
			}
			humanReply(b, v.Elems[i])
			b.WriteString(" => ")
			humanReply(b, v.Elems[i+1])
		}
		b.WriteByte('}')
	case resp.KindBool:
		if v.Bool {
			b.WriteString("#true")
		} else {
			b.WriteString("#false")
		}
	case resp.KindDouble:
		fmt.Fprintf(b, "(double) %g", v.Float)
	default:
		b.WriteString("(unknown)")
	}
}
