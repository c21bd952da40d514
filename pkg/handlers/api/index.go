package api

const version = "1.0.0"

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>StreamRelay</title>
    <style>
        :root {
            --bg: #0f0f0f;
            --card: #242424;
            --text: #ffffff;
            --muted: #a0a0a0;
            --accent: #3b82f6;
            --border: #333333;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg);
            color: var(--text);
            line-height: 1.6;
        }
        .container { max-width: 760px; margin: 0 auto; padding: 48px 20px; }
        h1 { font-size: 2.2rem; margin-bottom: 4px; }
        .subtitle { color: var(--muted); margin-bottom: 36px; }
        .endpoint {
            display: flex;
            gap: 12px;
            align-items: baseline;
            background: var(--card);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 12px 16px;
            margin-bottom: 10px;
            font-family: 'SF Mono', Monaco, monospace;
            font-size: 0.85rem;
        }
        .method {
            background: var(--accent);
            color: white;
            padding: 2px 8px;
            border-radius: 4px;
            font-size: 0.72rem;
            font-weight: 600;
        }
        .desc { color: var(--muted); margin-left: auto; font-family: inherit; }
        footer { margin-top: 36px; color: var(--muted); font-size: 0.85rem; }
        footer a { color: var(--accent); text-decoration: none; }
    </style>
</head>
<body>
    <div class="container">
        <h1>StreamRelay</h1>
        <div class="subtitle">Streaming proxy and DVR</div>
        <div class="endpoint"><span class="method">GET</span>/proxy/manifest.m3u8?url=...<span class="desc">proxy HLS/DASH manifests</span></div>
        <div class="endpoint"><span class="method">GET</span>/proxy/stream?url=...<span class="desc">proxy media segments</span></div>
        <div class="endpoint"><span class="method">GET</span>/decrypt/segment.ts?url=...<span class="desc">decrypt CENC segments</span></div>
        <div class="endpoint"><span class="method">GET</span>/extract?url=...<span class="desc">resolve platform URLs</span></div>
        <div class="endpoint"><span class="method">GET</span>/api/recordings<span class="desc">DVR recordings</span></div>
        <footer><a href="/api/info">status</a> &middot; <a href="/metrics">metrics</a></footer>
    </div>
</body>
</html>`
