//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package analysis

// The capture scaffold brackets every user code run. The prologue
// redirects the kernel's streams into buffers and intercepts plotly's
// Figure.show; the epilogue restores both no matter how the user code
// ended, then prints a single JSON document with everything harvested.
// Names are prefixed _dl_ to stay out of the user code's way.

const capturePrologue = `import io, sys, json, base64
_dl_stdout, _dl_stderr = sys.stdout, sys.stderr
sys.stdout = io.StringIO()
sys.stderr = io.StringIO()
_dl_shown = []
try:
    import plotly.graph_objects as _dl_go
    _dl_fig_show = _dl_go.Figure.show
    _dl_go.Figure.show = lambda self, *a, **k: _dl_shown.append(self)
except Exception:
    _dl_go = None
`

const captureEpilogue = `import io, sys, json, base64
import matplotlib.pyplot as plt
_dl_out = sys.stdout.getvalue() if isinstance(sys.stdout, io.StringIO) else ''
_dl_err = sys.stderr.getvalue() if isinstance(sys.stderr, io.StringIO) else ''
sys.stdout = _dl_stdout
sys.stderr = _dl_stderr
_dl_charts = []
if plt.get_fignums():
    _dl_buf = io.BytesIO()
    plt.savefig(_dl_buf, format='png', bbox_inches='tight')
    _dl_charts.append({'kind': 'matplotlib', 'data': base64.b64encode(_dl_buf.getvalue()).decode()})
plt.close('all')
if _dl_go is not None:
    _dl_go.Figure.show = _dl_fig_show
    for _dl_fig in _dl_shown:
        _dl_charts.append({'kind': 'plotly', 'data': _dl_fig.to_json()})
print(json.dumps({'output': _dl_out + _dl_err, 'charts': _dl_charts}))
`

// harvest mirrors the epilogue's JSON document.
type harvest struct {
	Output string  `json:"output"`
	Charts []Chart `json:"charts"`
}
