package browser

// Scripts evaluated inside the page. Each is a function expression so rod can
// apply it with JSON arguments.

// elementsScript enumerates inputs then clickables in document order. Filtering
// happens in Go so the static and live sources share one rule.
const elementsScript = `(containerID, inputSel, clickSel) => {
	const visible = (el) => {
		const style = window.getComputedStyle(el);
		return style.display !== 'none' &&
			style.visibility !== 'hidden' &&
			style.opacity !== '0' &&
			el.offsetWidth > 0 &&
			el.offsetHeight > 0;
	};
	const attr = (el, name) => el.getAttribute(name) || '';
	const inAssistant = (el) => !!el.closest('#' + CSS.escape(containerID));
	const out = [];
	document.querySelectorAll(inputSel).forEach((el) => {
		out.push({
			category: 'input',
			tag: el.tagName.toLowerCase(),
			type: attr(el, 'type') || 'text',
			name: attr(el, 'name'),
			id: attr(el, 'id'),
			placeholder: attr(el, 'placeholder'),
			value: (el.value === undefined || el.value === null) ? '' : String(el.value),
			visible: visible(el),
			inAssistant: inAssistant(el)
		});
	});
	document.querySelectorAll(clickSel).forEach((el) => {
		out.push({
			category: 'clickable',
			tag: el.tagName.toLowerCase(),
			id: attr(el, 'id'),
			class: attr(el, 'class'),
			role: attr(el, 'role'),
			href: attr(el, 'href'),
			text: (el.textContent || '').trim(),
			visible: visible(el),
			inAssistant: inAssistant(el)
		});
	});
	return out;
}`

// clickablesScript returns the clickable-role elements outside the container
// as remote objects.
const clickablesScript = `(containerID, clickSel) => {
	return Array.from(document.querySelectorAll(clickSel))
		.filter((el) => !el.closest('#' + CSS.escape(containerID)));
}`

const bodyHTMLScript = `() => document.body ? document.body.outerHTML : ''`

const bodyTextScript = `() => document.body ? document.body.innerText : ''`

const scrollScript = `(fraction) => {
	const distance = window.innerHeight * fraction;
	window.scrollBy({ top: distance, behavior: 'smooth' });
	return distance;
}`

const clickScript = `function () { this.click(); return true; }`

const setValueScript = `function (value) {
	this.value = value;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

const textScript = `function () { return this.textContent || ''; }`

// gateScript installs the capture-phase blocker once per document. It reads
// window.__kairuGate on every event; SyncGate keeps that object current.
const gateScript = `(function (initial) {
	if (window.__kairuGateInstalled) { window.__kairuGate = initial; return; }
	window.__kairuGateInstalled = true;
	window.__kairuGate = initial;
	const guard = (e) => {
		const g = window.__kairuGate || {};
		if (!g.enabled) return;
		const t = e.target;
		if (t && t.closest && t.closest('#' + CSS.escape(g.container || ''))) return;
		if (g.automating) return;
		e.preventDefault();
		e.stopPropagation();
	};
	(initial.events || []).forEach((type) => document.addEventListener(type, guard, true));
})(%s);`

const syncGateScript = `(state) => {
	const prev = window.__kairuGate || {};
	window.__kairuGate = Object.assign({}, prev, state);
	return true;
}`

// mountScript creates the assistant container when missing and applies the
// view. Fragments are escaped by the session before they get here.
const mountScript = `(view) => {
	let c = document.getElementById(view.container);
	if (!c) {
		c = document.createElement('div');
		c.id = view.container;
		c.style.cssText = 'position:fixed;bottom:20px;right:20px;z-index:2147483647;' +
			'width:320px;max-height:70vh;overflow:auto;background:rgba(255,255,255,0.95);' +
			'border-radius:12px;box-shadow:0 8px 32px rgba(0,0,0,0.1);padding:12px;' +
			'font-family:-apple-system,BlinkMacSystemFont,sans-serif;font-size:13px;display:none;';
		c.innerHTML =
			'<div id="kairu-chat-history"></div>' +
			'<details id="kairu-debug-log"><summary>Execution log</summary><div id="kairu-log-content"></div></details>' +
			'<div id="kairu-status"><p id="kairu-status-text"></p></div>';
		(document.body || document.documentElement).appendChild(c);
	}
	const set = (id, html) => {
		const el = document.getElementById(id);
		if (el) { el.innerHTML = html; el.scrollTop = el.scrollHeight; }
	};
	set('kairu-chat-history', view.chat || '');
	set('kairu-log-content', view.log || '');
	const status = document.getElementById('kairu-status-text');
	if (status) status.textContent = view.status || '';
	c.style.display = view.enabled ? 'block' : 'none';
	if (view.position) {
		c.style.bottom = view.position.bottom + 'px';
		c.style.right = view.position.right + 'px';
	}
	if (document.body && view.scrollLock) {
		document.body.style.overflow = view.enabled ? 'hidden' : '';
	}
	return true;
}`
