package browser

// captureTreeJS snapshots the page's semantic structure: a pruned node
// outline, the interactive index with viewport bounds, scroll position,
// and the raw signals the deficiency heuristics run on. Element order
// follows document order so indices are stable between captures of an
// unchanged page.
const captureTreeJS = `
() => {
	const vw = window.innerWidth, vh = window.innerHeight;
	const interactiveSelector = 'a[href], button, input, select, textarea, [role="button"], [role="link"], [role="textbox"], [role="combobox"], [role="checkbox"], [role="tab"], [onclick], [tabindex]';
	const maxInteractive = 120;
	const maxNodes = 200;

	const visible = (el) => {
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) return null;
		if (rect.bottom < 0 || rect.top > vh || rect.right < 0 || rect.left > vw) return null;
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return null;
		return rect;
	};

	const roleOf = (el) => {
		const explicit = el.getAttribute('role');
		if (explicit) return explicit;
		const tag = el.tagName.toLowerCase();
		if (tag === 'a') return 'link';
		if (tag === 'button') return 'button';
		if (tag === 'select') return 'combobox';
		if (tag === 'textarea') return 'textbox';
		if (tag === 'input') {
			const t = (el.type || 'text').toLowerCase();
			if (t === 'checkbox') return 'checkbox';
			if (t === 'radio') return 'radio';
			if (t === 'submit' || t === 'button') return 'button';
			return 'textbox';
		}
		return tag;
	};

	const nameOf = (el) => {
		return (el.getAttribute('aria-label') ||
			el.getAttribute('placeholder') ||
			el.getAttribute('name') ||
			el.getAttribute('title') ||
			(el.innerText || '').trim().slice(0, 80) ||
			el.getAttribute('alt') || '').trim();
	};

	const interactive = [];
	for (const el of document.querySelectorAll(interactiveSelector)) {
		if (interactive.length >= maxInteractive) break;
		const rect = visible(el);
		if (!rect) continue;
		interactive.push({
			role: roleOf(el),
			name: nameOf(el),
			value: ('value' in el && typeof el.value === 'string') ? el.value.slice(0, 80) : '',
			href: el.href || '',
			x: Math.round(rect.x), y: Math.round(rect.y),
			w: Math.round(rect.width), h: Math.round(rect.height)
		});
	}

	const nodes = [];
	const walk = (el, depth) => {
		if (nodes.length >= maxNodes || depth > 6) return;
		const tag = el.tagName ? el.tagName.toLowerCase() : '';
		const structural = ['main', 'nav', 'header', 'footer', 'aside', 'form', 'section', 'article', 'h1', 'h2', 'h3', 'table'];
		if (structural.includes(tag)) {
			nodes.push({ depth, role: tag, name: (el.getAttribute('aria-label') || (el.innerText || '').trim().split('\n')[0] || '').slice(0, 60) });
		}
		for (const child of el.children || []) walk(child, depth + 1);
	};
	if (document.body) walk(document.body, 0);

	const areaOf = (sel) => {
		let area = 0;
		for (const el of document.querySelectorAll(sel)) {
			const rect = el.getBoundingClientRect();
			area += Math.max(0, Math.min(rect.right, vw) - Math.max(rect.left, 0)) *
				Math.max(0, Math.min(rect.bottom, vh) - Math.max(rect.top, 0));
		}
		return area;
	};

	const doc = document.documentElement;
	const pageHeight = Math.max(doc.scrollHeight, document.body ? document.body.scrollHeight : 0);
	return {
		url: location.href,
		interactive,
		nodes,
		visibleText: (document.body && document.body.innerText ? document.body.innerText : '').length,
		canvasArea: areaOf('canvas, video'),
		iframeArea: areaOf('iframe'),
		viewportArea: vw * vh,
		loadComplete: document.readyState === 'complete',
		scrollX: Math.round(window.scrollX),
		scrollY: Math.round(window.scrollY),
		viewportHeight: vh,
		pageHeight: Math.round(pageHeight)
	};
}`

// installSettleObserverJS arms a MutationObserver and focus/input trackers
// ahead of an action. The counters survive until the next arm or a
// navigation, which destroys the JS world and is itself the strongest
// settle signal.
const installSettleObserverJS = `
() => {
	const w = window;
	if (w.__wraithObserver) w.__wraithObserver.disconnect();
	w.__wraithSettle = {
		added: 0, removed: 0, attrs: 0, roleMutation: false,
		focusChanged: false, inputChanged: false,
		url: location.href,
		scrollY: Math.round(window.scrollY)
	};
	const interactiveTags = ['A', 'BUTTON', 'INPUT', 'SELECT', 'TEXTAREA', 'FORM'];
	const touchesInteractive = (list) => {
		for (const n of list) {
			if (n.nodeType === 1 && (interactiveTags.includes(n.tagName) || (n.querySelector && n.querySelector('a,button,input,select,textarea')))) return true;
		}
		return false;
	};
	const obs = new MutationObserver((muts) => {
		const s = w.__wraithSettle;
		for (const m of muts) {
			if (m.type === 'childList') {
				s.added += m.addedNodes.length;
				s.removed += m.removedNodes.length;
				if (touchesInteractive(m.addedNodes) || touchesInteractive(m.removedNodes)) s.roleMutation = true;
			} else if (m.type === 'attributes') {
				s.attrs += 1;
			}
		}
	});
	obs.observe(document.documentElement, { childList: true, subtree: true, attributes: true });
	w.__wraithObserver = obs;
	document.addEventListener('focusin', () => { w.__wraithSettle.focusChanged = true; }, { once: true, capture: true });
	document.addEventListener('input', () => { w.__wraithSettle.inputChanged = true; }, { once: true, capture: true });
	return true;
}`

// readSettleJS reads the armed counters. Failure to evaluate means the JS
// world was torn down by a navigation.
const readSettleJS = `
() => {
	const s = window.__wraithSettle || null;
	if (!s) return null;
	return {
		added: s.added, removed: s.removed, attrs: s.attrs,
		roleMutation: s.roleMutation,
		focusChanged: s.focusChanged, inputChanged: s.inputChanged,
		armedUrl: s.url,
		url: location.href,
		armedScrollY: s.scrollY,
		scrollY: Math.round(window.scrollY)
	};
}`

// extractTextJS pulls the page's visible text for EXTRACT decisions.
const extractTextJS = `
() => (document.body && document.body.innerText ? document.body.innerText : '').slice(0, 16384)`

// prefetchJS injects a prefetch hint for a likely next navigation.
const prefetchJS = `
(url) => {
	const link = document.createElement('link');
	link.rel = 'prefetch';
	link.href = url;
	document.head.appendChild(link);
	return true;
}`
